// Command cameramock serves a synthetic meter-camera endpoint for
// local testing: a still JPEG (and an MJPEG stream of the same) whose
// brightness encodes a settable reading value, plus HTTP endpoints to
// change that value and the simulated response delay.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: cameramock [<listenaddr>]\n")
		os.Exit(2)
	}
	flag.Parse()
	addr := "localhost:0"
	if flag.NArg() > 0 {
		addr = flag.Arg(0)
	}
	srv, err := newServer(addr)
	if err != nil {
		log.Fatalf("cannot start server: %v", err)
	}
	fmt.Printf("listening on http://%s\n", srv.Addr)
	select {}
}

type server struct {
	Addr string
	lis  net.Listener

	mu      sync.Mutex
	value   float64
	delay   time.Duration
	width   int
	height  int
}

func newServer(addr string) (*server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &server{
		Addr:   lis.Addr().String(),
		lis:    lis,
		value:  0,
		width:  320,
		height: 240,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/still.jpg", srv.serveStill)
	mux.HandleFunc("/mjpeg", srv.serveMJPEG)
	mux.HandleFunc("/set", srv.serveSet)
	go http.Serve(lis, mux)
	return srv, nil
}

func (srv *server) Close() {
	srv.lis.Close()
}

func (srv *server) frame() ([]byte, error) {
	srv.mu.Lock()
	value, w, h := srv.value, srv.width, srv.height
	delay := srv.delay
	srv.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	// Brightness encodes the meter value modulo 256 so a human
	// watching the mock over time can eyeball it changing.
	level := uint8(int(value) % 256)
	bg := color.RGBA{level, level, level, 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, bg)
		}
	}
	var buf byteBuffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.b, nil
}

func (srv *server) serveStill(w http.ResponseWriter, req *http.Request) {
	data, err := srv.frame()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(data)
}

const mjpegBoundary = "metermonmockframe"

func (srv *server) serveMJPEG(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	flusher, _ := w.(http.Flusher)
	for i := 0; i < 3; i++ {
		data, err := srv.frame()
		if err != nil {
			return
		}
		fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(data))
		w.Write(data)
		fmt.Fprint(w, "\r\n")
		if flusher != nil {
			flusher.Flush()
		}
		select {
		case <-req.Context().Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	fmt.Fprintf(w, "--%s--\r\n", mjpegBoundary)
}

func (srv *server) serveSet(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if v := q.Get("value"); v != "" {
		fmt.Sscanf(v, "%f", &srv.value)
	}
	if v := q.Get("delay_ms"); v != "" {
		var ms int
		fmt.Sscanf(v, "%d", &ms)
		srv.delay = time.Duration(ms) * time.Millisecond
	}
	fmt.Fprintf(w, "value=%v delay=%v\n", srv.value, srv.delay)
}

type byteBuffer struct {
	b []byte
}

func (b *byteBuffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

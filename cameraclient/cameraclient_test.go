package cameraclient_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/meterwatch/metermon/cameraclient"
	"github.com/meterwatch/metermon/meterconfig"
)

func sampleJPEG(c *qt.C, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	var buf bytes.Buffer
	c.Assert(jpeg.Encode(&buf, img, nil), qt.IsNil)
	return buf.Bytes()
}

func TestFetchStillImage(t *testing.T) {
	c := qt.New(t)
	data := sampleJPEG(c, 20, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(data)
	}))
	defer srv.Close()

	cl := cameraclient.New()
	img, err := cl.Fetch(context.Background(), meterconfig.Camera{
		EndpointURL:  srv.URL,
		EndpointKind: meterconfig.EndpointStill,
		TimeoutMS:    2000,
	})
	c.Assert(err, qt.IsNil)
	c.Assert(img.Bytes[:2], qt.DeepEquals, []byte{0xFF, 0xD8})
}

func TestFetchRotates(t *testing.T) {
	c := qt.New(t)
	data := sampleJPEG(c, 30, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	cl := cameraclient.New()
	img, err := cl.Fetch(context.Background(), meterconfig.Camera{
		EndpointURL:  srv.URL,
		EndpointKind: meterconfig.EndpointStill,
		TimeoutMS:    2000,
		RotationDeg:  90,
	})
	c.Assert(err, qt.IsNil)
	decoded, err := jpeg.Decode(bytes.NewReader(img.Bytes))
	c.Assert(err, qt.IsNil)
	b := decoded.Bounds()
	c.Assert(b.Dx(), qt.Equals, 10)
	c.Assert(b.Dy(), qt.Equals, 30)
}

func TestFetchRejectsNonJPEG(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a jpeg"))
	}))
	defer srv.Close()

	cl := cameraclient.New()
	_, err := cl.Fetch(context.Background(), meterconfig.Camera{
		EndpointURL:  srv.URL,
		EndpointKind: meterconfig.EndpointStill,
		TimeoutMS:    2000,
	})
	var target *cameraclient.InvalidImageError
	c.Assert(errors.As(err, &target), qt.IsTrue)
}

func TestFetchHTTPStatus(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cl := cameraclient.New()
	_, err := cl.Fetch(context.Background(), meterconfig.Camera{
		EndpointURL:  srv.URL,
		EndpointKind: meterconfig.EndpointStill,
		TimeoutMS:    2000,
	})
	var target *cameraclient.HTTPStatusError
	c.Assert(errors.As(err, &target), qt.IsTrue)
}

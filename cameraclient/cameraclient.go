// Package cameraclient fetches a single JPEG image from a meter's
// camera endpoint, whether it serves a still image or an MJPEG
// stream, applying auth, a timeout and an optional rotation.
package cameraclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/juju/loggo"
	"gopkg.in/errgo.v1"

	"github.com/meterwatch/metermon/meterconfig"
)

var logger = loggo.GetLogger("metermon.cameraclient")

var jpegSOI = []byte{0xFF, 0xD8}
var jpegEOI = []byte{0xFF, 0xD9}

// maxMJPEGRead bounds how much of an MJPEG stream we'll buffer while
// looking for one complete frame, independent of the configured
// timeout, so a misbehaving camera can't exhaust memory.
const maxMJPEGRead = 16 << 20

// Image is a captured frame together with its provenance.
type Image struct {
	Bytes      []byte
	FetchedAt  time.Time
	RotatedDeg int
}

// SHA256 returns the lowercase hex SHA-256 digest of the image bytes,
// used by SnapshotArchive sidecars and reprocess-determinism checks.
func (img Image) SHA256() string {
	sum := sha256.Sum256(img.Bytes)
	return hex.EncodeToString(sum[:])
}

// Client fetches images over HTTP using meterconfig.Camera settings.
type Client struct {
	// Transport lets tests substitute a fake round tripper; nil uses
	// http.DefaultTransport.
	Transport http.RoundTripper
}

// New returns a Client using the default HTTP transport.
func New() *Client {
	return &Client{}
}

func (c *Client) httpClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: c.Transport,
		Timeout:   timeout,
	}
}

// Fetch retrieves one JPEG image from cam, per its endpoint_kind.
func (c *Client) Fetch(ctx context.Context, cam meterconfig.Camera) (Image, error) {
	timeout := time.Duration(cam.TimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cam.EndpointURL, nil)
	if err != nil {
		return Image{}, errgo.Notef(err, "cannot build request for %q", cam.EndpointURL)
	}
	if cam.Auth.Kind == meterconfig.AuthBasic {
		req.SetBasicAuth(cam.Auth.User, cam.Auth.Pass)
	}

	resp, err := c.httpClient(timeout).Do(req)
	if err != nil {
		if errgo.Cause(ctx.Err()) == context.DeadlineExceeded {
			return Image{}, &TimeoutError{Endpoint: cam.EndpointURL}
		}
		return Image{}, &NetworkError{Endpoint: cam.EndpointURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Image{}, &HTTPStatusError{Endpoint: cam.EndpointURL, Code: resp.StatusCode}
	}

	var raw []byte
	switch cam.EndpointKind {
	case meterconfig.EndpointMJPEG:
		raw, err = readOneMJPEGFrame(resp.Body)
	default:
		raw, err = io.ReadAll(io.LimitReader(resp.Body, maxMJPEGRead))
	}
	if err != nil {
		if errgo.Cause(ctx.Err()) == context.DeadlineExceeded {
			return Image{}, &TimeoutError{Endpoint: cam.EndpointURL}
		}
		return Image{}, &NetworkError{Endpoint: cam.EndpointURL, Err: err}
	}
	if !looksLikeJPEG(raw) {
		return Image{}, &InvalidImageError{Endpoint: cam.EndpointURL, Reason: "body does not start with a JPEG marker"}
	}

	if cam.RotationDeg != 0 {
		raw, err = rotateJPEG(raw, cam.RotationDeg)
		if err != nil {
			return Image{}, &InvalidImageError{Endpoint: cam.EndpointURL, Reason: "cannot rotate image: " + err.Error()}
		}
	}
	logger.Debugf("fetched %d bytes from %s (kind=%s rotation=%d)", len(raw), cam.EndpointURL, cam.EndpointKind, cam.RotationDeg)
	return Image{Bytes: raw, FetchedAt: time.Now().UTC(), RotatedDeg: cam.RotationDeg}, nil
}

// OpenStream opens cam's endpoint and returns its body unread together
// with the response's Content-Type, for callers that want to proxy a
// live MJPEG multipart stream through rather than extract one frame
// (see Fetch). The caller must Close the returned body. There is no
// per-request timeout here: the stream is meant to stay open for as
// long as the caller (e.g. an HTTP client watching /api/stream) wants
// it, bounded instead by ctx.
func (c *Client) OpenStream(ctx context.Context, cam meterconfig.Camera) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cam.EndpointURL, nil)
	if err != nil {
		return nil, "", errgo.Notef(err, "cannot build request for %q", cam.EndpointURL)
	}
	if cam.Auth.Kind == meterconfig.AuthBasic {
		req.SetBasicAuth(cam.Auth.User, cam.Auth.Pass)
	}

	resp, err := c.httpClient(0).Do(req)
	if err != nil {
		return nil, "", &NetworkError{Endpoint: cam.EndpointURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", &HTTPStatusError{Endpoint: cam.EndpointURL, Code: resp.StatusCode}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return resp.Body, contentType, nil
}

func looksLikeJPEG(b []byte) bool {
	return len(b) >= 2 && bytes.Equal(b[:2], jpegSOI)
}

// readOneMJPEGFrame scans a multipart/x-mixed-replace MJPEG body for
// the first complete JPEG frame (SOI..EOI) and returns just that
// frame, discarding the multipart boundary framing around it.
func readOneMJPEGFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for len(buf) < maxMJPEGRead {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if start := bytes.Index(buf, jpegSOI); start >= 0 {
				if end := bytes.Index(buf[start:], jpegEOI); end >= 0 {
					return buf[start : start+end+2], nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, errgo.Newf("stream ended before a complete JPEG frame was read")
			}
			return nil, err
		}
	}
	return nil, errgo.Newf("exceeded %d bytes while scanning for a JPEG frame", maxMJPEGRead)
}

// rotateJPEG re-encodes raw rotated clockwise by deg degrees (one of
// 90, 180, 270). The standard library has no in-place lossless JPEG
// rotation, so this decodes and re-encodes; image bytes are treated
// as opaque downstream except for hashing, so the re-encode is fine.
func rotateJPEG(raw []byte, deg int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	rotated := rotateImage(img, deg)
	var out bytes.Buffer
	if err := jpeg.Encode(&out, rotated, &jpeg.Options{Quality: 92}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

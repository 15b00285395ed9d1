package envtext_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/meterwatch/metermon/internal/envtext"
)

func TestExpand(t *testing.T) {
	c := qt.New(t)
	env := map[string]string{
		"HOST": "10.0.0.5",
	}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	got, err := envtext.Expand("http://${HOST}/mjpeg", "camera.endpoint_url", lookup, false)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, "http://10.0.0.5/mjpeg")
}

func TestExpandMissingRequired(t *testing.T) {
	c := qt.New(t)
	lookup := func(name string) (string, bool) { return "", false }
	_, err := envtext.Expand("${WATER_CAM_PASS}", "camera.auth.pass", lookup, true)
	c.Assert(err, qt.ErrorMatches, `required environment variable "WATER_CAM_PASS".*`)
}

func TestExpandMissingOptional(t *testing.T) {
	c := qt.New(t)
	lookup := func(name string) (string, bool) { return "", false }
	got, err := envtext.Expand("${OPTIONAL}", "meter.location", lookup, false)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, "")
}

func TestExpandUnterminated(t *testing.T) {
	c := qt.New(t)
	lookup := func(name string) (string, bool) { return "x", true }
	_, err := envtext.Expand("${BROKEN", "field", lookup, false)
	c.Assert(err, qt.ErrorMatches, "unterminated.*")
}

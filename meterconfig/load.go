package meterconfig

import (
	"fmt"
	"io/ioutil"
	"os"

	"gopkg.in/errgo.v1"
	"gopkg.in/yaml.v2"

	"github.com/meterwatch/metermon/internal/envtext"
)

// MinReadingInterval is the smallest reading_interval_seconds accepted
// at load (spec: "reading_interval_seconds < 30" is rejected).
const MinReadingInterval = 30

// loadMeters reads and validates the meter-definitions file at path.
func loadMeters(path string) ([]Meter, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	var mf meterFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, errgo.Notef(err, "cannot parse meter definitions %q", path)
	}
	meters := mf.Meters
	for i := range meters {
		if err := expandMeter(&meters[i], i); err != nil {
			return nil, err
		}
	}
	if err := validateMeters(meters); err != nil {
		return nil, err
	}
	return meters, nil
}

// loadPricing reads the pricing file, parsing it but not interpreting
// its contents (spec §6: "opaque pass-through").
func loadPricing(path string) (interface{}, error) {
	if path == "" {
		return map[string]interface{}{}, nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		}
		return nil, &IOError{Path: path, Err: err}
	}
	var pricing interface{}
	if err := yaml.Unmarshal(data, &pricing); err != nil {
		return nil, errgo.Notef(err, "cannot parse pricing file %q", path)
	}
	return normalizeYAML(pricing), nil
}

// normalizeYAML recursively converts map[interface{}]interface{} (as
// produced by yaml.v2) into map[string]interface{} so the result
// marshals cleanly to JSON for the HTTP API.
func normalizeYAML(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []interface{}:
		for i, e := range v {
			v[i] = normalizeYAML(e)
		}
		return v
	default:
		return v
	}
}

func expandMeter(m *Meter, index int) error {
	lookup := func(name string) (string, bool) { return os.LookupEnv(name) }
	var err error
	field := func(path string, s *string, required bool) {
		if err != nil || !envtext.HasReference(*s) {
			return
		}
		*s, err = envtext.Expand(*s, path, lookup, required)
	}
	prefix := fmt.Sprintf("meters[%d]", index)
	field(prefix+".location", &m.Location, false)
	field(prefix+".camera.endpoint_url", &m.Camera.EndpointURL, true)
	field(prefix+".camera.auth.user", &m.Camera.Auth.User, m.Camera.Auth.Kind == AuthBasic)
	field(prefix+".camera.auth.pass", &m.Camera.Auth.Pass, m.Camera.Auth.Kind == AuthBasic)
	return err
}

func validateMeters(meters []Meter) error {
	seen := make(map[string]bool, len(meters))
	for i, m := range meters {
		prefix := fmt.Sprintf("meters[%d]", i)
		if m.Name == "" {
			return invalid(prefix+".name", "must not be empty")
		}
		if seen[m.Name] {
			return invalid(prefix+".name", "duplicate meter name %q", m.Name)
		}
		seen[m.Name] = true
		switch m.Type {
		case Water, Electric, Gas:
		default:
			return invalid(prefix+".type", "unknown meter type %q", m.Type)
		}
		if m.ReadingIntervalSeconds < MinReadingInterval {
			return invalid(prefix+".reading_interval_seconds", "must be >= %d, got %d", MinReadingInterval, m.ReadingIntervalSeconds)
		}
		if m.MaxChangePerReading <= 0 {
			return invalid(prefix+".max_change_per_reading", "must be positive")
		}
		if m.Camera.EndpointURL == "" {
			return invalid(prefix+".camera.endpoint_url", "must not be empty")
		}
		switch m.Camera.EndpointKind {
		case EndpointStill, EndpointMJPEG:
		default:
			return invalid(prefix+".camera.endpoint_kind", "unknown endpoint kind %q", m.Camera.EndpointKind)
		}
		switch m.Camera.Auth.Kind {
		case AuthNone, AuthBasic, "":
		default:
			return invalid(prefix+".camera.auth.kind", "unknown auth kind %q", m.Camera.Auth.Kind)
		}
		switch m.Camera.RotationDeg {
		case 0, 90, 180, 270:
		default:
			return invalid(prefix+".camera.rotation_deg", "must be one of 0,90,180,270, got %d", m.Camera.RotationDeg)
		}
		if m.Camera.TimeoutMS <= 0 {
			return invalid(prefix+".camera.timeout_ms", "must be positive")
		}
		if m.Vision.Primary.Provider == "" {
			return invalid(prefix+".vision.primary.provider", "must not be empty")
		}
		if m.Vision.Primary.PromptProfile == "" {
			return invalid(prefix+".vision.primary.prompt_profile", "must not be empty")
		}
		switch m.MeterKind {
		case DigitalOnly, "":
		case DigitalPlusDial:
			if m.DialFullRevolutionUnits <= 0 {
				return invalid(prefix+".dial_full_revolution_units", "must be positive for digital_plus_dial meters")
			}
			switch m.DialOrientation {
			case OrientTop, OrientRight, OrientBottom, OrientLeft:
			default:
				return invalid(prefix+".dial_orientation", "unknown orientation %q", m.DialOrientation)
			}
		default:
			return invalid(prefix+".meter_kind", "unknown meter kind %q", m.MeterKind)
		}
	}
	return nil
}

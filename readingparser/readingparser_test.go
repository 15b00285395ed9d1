package readingparser_test

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/meterwatch/metermon/meterconfig"
	"github.com/meterwatch/metermon/readingparser"
)

func dialMeter() meterconfig.Meter {
	return meterconfig.Meter{
		Name:      "water_main",
		Type:      meterconfig.Water,
		MeterKind: meterconfig.DigitalPlusDial,
	}
}

func digitalMeter() meterconfig.Meter {
	return meterconfig.Meter{
		Name:      "elec_main",
		Type:      meterconfig.Electric,
		MeterKind: meterconfig.DigitalOnly,
	}
}

func TestParseDetailedSchema(t *testing.T) {
	c := qt.New(t)
	raw := `{
		// reading from the main water meter
		"digital_reading": 1234,
		"black_digit": 5,
		"dial_reading": 0.37,
		"dial_angle_degrees": 133.2,
		"total_reading": 1234.37,
		"confidence": "high",
		"notes": "dial between 120 and 140, clear view"
	}`
	got, err := readingparser.Parse(raw, dialMeter())
	c.Assert(err, qt.IsNil)
	c.Assert(got.Total, qt.Equals, 1234.37)
	c.Assert(got.Confidence, qt.Equals, readingparser.High)
	c.Assert(got.Format, qt.Equals, readingparser.Detailed)
}

func TestParseSimpleSchemaMapsToCanonical(t *testing.T) {
	c := qt.New(t)
	raw := `{
		"odometer_value": 5821.0,
		"dial_value": 0.62,
		"total_reading": 5821.62,
		"needle_angle_degrees": 223,
		"confidence": 0.91,
		"notes": "clean read"
	}`
	got, err := readingparser.Parse(raw, dialMeter())
	c.Assert(err, qt.IsNil)
	c.Assert(got.DigitalInt, qt.Equals, 5821)
	c.Assert(got.Confidence, qt.Equals, readingparser.High)
	c.Assert(got.Format, qt.Equals, readingparser.Simple)
}

func TestParseComputesMissingTotalForDigitalOnly(t *testing.T) {
	c := qt.New(t)
	raw := `{"digital_reading": 48213, "confidence": "medium", "notes": ""}`
	got, err := readingparser.Parse(raw, digitalMeter())
	c.Assert(err, qt.IsNil)
	c.Assert(got.Total, qt.Equals, float64(48213))
}

func TestParseRejectsMissingConfidence(t *testing.T) {
	c := qt.New(t)
	raw := `{"digital_reading": 100, "total_reading": 100}`
	_, err := readingparser.Parse(raw, digitalMeter())
	var target *readingparser.ParseError
	c.Assert(errors.As(err, &target), qt.IsTrue)
}

func TestParseCoercesNumericStrings(t *testing.T) {
	c := qt.New(t)
	raw := `{"digital_reading": "1234", "total_reading": "1234.5", "confidence": "low", "notes": ""}`
	got, err := readingparser.Parse(raw, digitalMeter())
	c.Assert(err, qt.IsNil)
	c.Assert(got.Total, qt.Equals, 1234.5)
}

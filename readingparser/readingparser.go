// Package readingparser turns a vision provider's raw JSON text into
// a canonical ParsedReading, accepting either of the two response
// schemas the prompt profiles produce and tolerating the comments
// some models emit around their JSON.
package readingparser

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rogpeppe/rjson"

	"github.com/meterwatch/metermon/meterconfig"
)

// Confidence is the categorical confidence a provider reports, or
// that a numeric confidence is bucketed into.
type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

// Format records which of the two accepted wire schemas produced a
// ParsedReading.
type Format string

const (
	Detailed Format = "detailed"
	Simple   Format = "simple"
)

// ParsedReading is the canonical shape every accepted schema is
// mapped to.
type ParsedReading struct {
	DigitalInt   int
	DialFraction float64
	DialAngleDeg float64
	Total        float64
	Confidence   Confidence
	// ConfidenceNumeric carries the Simple schema's raw numeric
	// confidence (spec §3's optional confidence_numeric); nil for the
	// Detailed schema, which only ever reports a category.
	ConfidenceNumeric *float64
	Notes             string
	Format            Format
}

// ParseError reports that raw text could not be parsed into a
// ParsedReading, either because it wasn't valid (comment-tolerant)
// JSON or because required fields were missing or unparseable.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "cannot parse reading: " + e.Reason
}

func parseErrf(format string, args ...interface{}) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Parse interprets rawJSON (as emitted by a VisionProvider, possibly
// containing // or /* */ comments) for meter, returning the canonical
// ParsedReading.
func Parse(rawJSON string, meter meterconfig.Meter) (ParsedReading, error) {
	var fields map[string]interface{}
	if err := rjson.Unmarshal([]byte(rawJSON), &fields); err != nil {
		return ParsedReading{}, &ParseError{Reason: "invalid JSON: " + err.Error()}
	}

	if isSimpleSchema(fields) {
		return parseSimple(fields, meter)
	}
	return parseDetailed(fields, meter)
}

// isSimpleSchema distinguishes the Simple schema from Detailed by the
// presence of fields unique to it.
func isSimpleSchema(fields map[string]interface{}) bool {
	_, hasOdometer := fields["odometer_value"]
	_, hasNeedle := fields["needle_angle_degrees"]
	return hasOdometer || hasNeedle
}

func parseDetailed(fields map[string]interface{}, meter meterconfig.Meter) (ParsedReading, error) {
	confRaw, ok := fields["confidence"]
	if !ok {
		return ParsedReading{}, parseErrf("missing confidence")
	}
	confStr, ok := confRaw.(string)
	if !ok {
		return ParsedReading{}, parseErrf("confidence must be a string in the detailed schema")
	}
	conf, err := parseCategoricalConfidence(confStr)
	if err != nil {
		return ParsedReading{}, err
	}

	digitalInt, hasDigital, err := coerceInt(fields, "digital_reading")
	if err != nil {
		return ParsedReading{}, err
	}
	dialFraction, hasDial, err := coerceFloat(fields, "dial_reading")
	if err != nil {
		return ParsedReading{}, err
	}
	dialAngle, hasAngle, err := coerceFloat(fields, "dial_angle_degrees")
	if err != nil {
		return ParsedReading{}, err
	}
	total, hasTotal, err := coerceFloat(fields, "total_reading")
	if err != nil {
		return ParsedReading{}, err
	}
	if !hasDial && hasAngle && meter.IsDial() {
		dialFraction = angleToFraction(dialAngle, meter.DialFullRevolutionUnits)
		hasDial = true
	}
	if !hasTotal {
		total, err = computeTotal(meter, digitalInt, hasDigital, dialFraction, hasDial)
		if err != nil {
			return ParsedReading{}, err
		}
	}
	return ParsedReading{
		DigitalInt:   digitalInt,
		DialFraction: dialFraction,
		DialAngleDeg: dialAngle,
		Total:        total,
		Confidence:   conf,
		Notes:        stringField(fields, "notes"),
		Format:       Detailed,
	}, nil
}

// angleToFraction converts a dial needle angle into the fraction of a
// full revolution it represents, scaled by the meter's configured
// units per revolution (spec §9: implementers must not hardcode the
// 3600 constant some meters use).
func angleToFraction(angleDeg, fullRevolutionUnits float64) float64 {
	normalized := math.Mod(angleDeg, 360)
	if normalized < 0 {
		normalized += 360
	}
	return normalized / 360 * fullRevolutionUnits
}

func parseSimple(fields map[string]interface{}, meter meterconfig.Meter) (ParsedReading, error) {
	confRaw, ok := fields["confidence"]
	if !ok {
		return ParsedReading{}, parseErrf("missing confidence")
	}
	confNum, err := coerceFloatValue(confRaw)
	if err != nil {
		return ParsedReading{}, parseErrf("confidence must be numeric in the simple schema: %v", err)
	}
	conf := bucketConfidence(confNum)

	odometer, hasOdometer, err := coerceFloat(fields, "odometer_value")
	if err != nil {
		return ParsedReading{}, err
	}
	dialValue, hasDial, err := coerceFloat(fields, "dial_value")
	if err != nil {
		return ParsedReading{}, err
	}
	needleAngle, hasAngle, err := coerceFloat(fields, "needle_angle_degrees")
	if err != nil {
		return ParsedReading{}, err
	}
	total, hasTotal, err := coerceFloat(fields, "total_reading")
	if err != nil {
		return ParsedReading{}, err
	}
	digitalInt := int(math.Floor(odometer))
	if !hasDial && hasAngle && meter.IsDial() {
		dialValue = angleToFraction(needleAngle, meter.DialFullRevolutionUnits)
		hasDial = true
	}
	if !hasTotal {
		total, err = computeTotal(meter, digitalInt, hasOdometer, dialValue, hasDial)
		if err != nil {
			return ParsedReading{}, err
		}
	}
	return ParsedReading{
		DigitalInt:        digitalInt,
		DialFraction:      dialValue,
		DialAngleDeg:      needleAngle,
		Total:             total,
		Confidence:        conf,
		ConfidenceNumeric: &confNum,
		Notes:             stringField(fields, "notes"),
		Format:            Simple,
	}, nil
}

// computeTotal derives total_reading when the provider omitted it:
// digital + dial fraction for dial meters, digital alone otherwise.
func computeTotal(meter meterconfig.Meter, digitalInt int, hasDigital bool, dialFraction float64, hasDial bool) (float64, error) {
	if !hasDigital {
		return 0, parseErrf("total_reading absent and digital component missing")
	}
	if meter.IsDial() {
		if !hasDial {
			return 0, parseErrf("total_reading absent and dial component missing for a dial meter")
		}
		return float64(digitalInt) + dialFraction, nil
	}
	return float64(digitalInt), nil
}

func parseCategoricalConfidence(s string) (Confidence, error) {
	switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case High:
		return High, nil
	case Medium:
		return Medium, nil
	case Low:
		return Low, nil
	default:
		return "", parseErrf("unrecognized confidence %q", s)
	}
}

func bucketConfidence(v float64) Confidence {
	switch {
	case v >= 0.8:
		return High
	case v >= 0.5:
		return Medium
	default:
		return Low
	}
}

func stringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// coerceFloat extracts key as a float64, tolerating a JSON string
// containing a number (some models emit "12.3" rather than 12.3).
func coerceFloat(fields map[string]interface{}, key string) (float64, bool, error) {
	v, ok := fields[key]
	if !ok {
		return 0, false, nil
	}
	f, err := coerceFloatValue(v)
	if err != nil {
		return 0, true, parseErrf("field %q: %v", key, err)
	}
	return f, true, nil
}

func coerceInt(fields map[string]interface{}, key string) (int, bool, error) {
	f, ok, err := coerceFloat(fields, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	return int(f), true, nil
}

func coerceFloatValue(v interface{}) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("unparseable numeric string %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

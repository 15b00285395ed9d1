// Package readingvalidator applies the ordered validation rules that
// turn a ParsedReading into an AnnotatedReading: monotonicity
// checking, range snapping, angle/direction cross-checking and
// confidence downgrade.
package readingvalidator

import (
	"math"
	"strings"
	"time"

	"github.com/meterwatch/metermon/meterconfig"
	"github.com/meterwatch/metermon/reading"
	"github.com/meterwatch/metermon/readingparser"
)

const (
	WarnChangeCapExceeded    = "change_cap_exceeded"
	WarnNonMonotonic         = "non_monotonic"
	WarnAngleOutOfRange      = "angle_out_of_range"
	WarnAngleDirectionMismatch = "angle_direction_mismatch"
)

// DuplicateCaptureError reports that parsed carries the same
// second-precision timestamp as the meter's previous reading; the
// caller should skip the write entirely.
type DuplicateCaptureError struct {
	MeterName string
}

func (e *DuplicateCaptureError) Error() string {
	return "duplicate capture for " + e.MeterName + ": same second as previous reading"
}

// NonNegativeError reports that parsed.Total was negative.
type NonNegativeError struct {
	Total float64
}

func (e *NonNegativeError) Error() string {
	return "reading total must not be negative"
}

// AnnotatedReading is a ParsedReading with its validation warnings
// and possibly-downgraded confidence, ready to become a Reading once
// MeterMonitor attaches provenance and archive references.
type AnnotatedReading struct {
	readingparser.ParsedReading
	Confidence reading.Confidence
	Warnings   []string
}

// Validate applies the ordered rules against parsed, given the
// meter's previous reading (nil if this is the meter's first).
func Validate(parsed readingparser.ParsedReading, previous *reading.Reading, meter meterconfig.Meter, timestamp time.Time) (AnnotatedReading, error) {
	if parsed.Total < 0 {
		return AnnotatedReading{}, &NonNegativeError{Total: parsed.Total}
	}
	if previous != nil && timestamp.Truncate(time.Second).Equal(previous.Timestamp.Truncate(time.Second)) {
		return AnnotatedReading{}, &DuplicateCaptureError{MeterName: meter.Name}
	}

	var warnings []string
	if previous != nil {
		delta := parsed.Total - previous.Total
		if math.Abs(delta) > meter.MaxChangePerReading {
			warnings = append(warnings, WarnChangeCapExceeded)
		}
		if delta < 0 {
			warnings = append(warnings, WarnNonMonotonic)
		}
	}

	dialAngle := parsed.DialAngleDeg
	if meter.IsDial() {
		if dialAngle < 0 || dialAngle >= 360 {
			warnings = append(warnings, WarnAngleOutOfRange)
			dialAngle = math.Mod(dialAngle, 360)
			if dialAngle < 0 {
				dialAngle += 360
			}
		}
		if mismatch := directionMismatch(dialAngle, meter.DialOrientation, parsed.Notes); mismatch {
			warnings = append(warnings, WarnAngleDirectionMismatch)
		}
	}

	confidence := reading.Confidence(parsed.Confidence)
	if len(warnings) > 0 && confidence == reading.High {
		confidence = reading.Medium
	}

	out := parsed
	out.DialAngleDeg = dialAngle
	return AnnotatedReading{
		ParsedReading: out,
		Confidence:    confidence,
		Warnings:      warnings,
	}, nil
}

// direction is one compass-style quadrant label for a dial angle.
type direction string

const (
	dirUp    direction = "up"
	dirRight direction = "right"
	dirDown  direction = "down"
	dirLeft  direction = "left"
)

// quadrantFor maps an angle already rotated so that orient's "zero"
// mark aligns with "up" in the standard top-is-zero frame.
func quadrantFor(angleDeg float64) direction {
	switch {
	case angleDeg < 45 || angleDeg >= 315:
		return dirUp
	case angleDeg < 135:
		return dirRight
	case angleDeg < 225:
		return dirDown
	default:
		return dirLeft
	}
}

// expectedDirection rotates angleDeg into the canonical top-is-zero
// frame according to the dial's physical orientation, then returns
// the resulting quadrant's direction.
func expectedDirection(angleDeg float64, orient meterconfig.DialOrientation) direction {
	offset := 0.0
	switch orient {
	case meterconfig.OrientTop:
		offset = 0
	case meterconfig.OrientRight:
		offset = 90
	case meterconfig.OrientBottom:
		offset = 180
	case meterconfig.OrientLeft:
		offset = 270
	}
	normalized := math.Mod(angleDeg+offset, 360)
	if normalized < 0 {
		normalized += 360
	}
	return quadrantFor(normalized)
}

var directionTokens = map[string]direction{
	"up":     dirUp,
	"top":    dirUp,
	"down":   dirDown,
	"bottom": dirDown,
	"left":   dirLeft,
	"right":  dirRight,
}

// directionMismatch scans notes for a direction token and reports
// whether it contradicts the quadrant implied by angleDeg.
func directionMismatch(angleDeg float64, orient meterconfig.DialOrientation, notes string) bool {
	expected := expectedDirection(angleDeg, orient)
	lower := strings.ToLower(notes)
	for token, dir := range directionTokens {
		if strings.Contains(lower, token) && dir != expected {
			return true
		}
	}
	return false
}

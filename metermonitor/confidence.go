package metermonitor

import (
	"regexp"
	"strconv"
)

var confidenceFieldPat = regexp.MustCompile(`"confidence"\s*:\s*("(\w+)"|([0-9.]+))`)

// containsLowConfidenceMarker makes a best-effort scan of a raw
// provider response for a low-confidence signal, ahead of the full
// ReadingParser pass, so the fallback policy can decide whether to
// try the next provider without fully parsing every intermediate
// response.
func containsLowConfidenceMarker(jsonText string) bool {
	m := confidenceFieldPat.FindStringSubmatch(jsonText)
	if m == nil {
		return false
	}
	if m[2] != "" {
		return m[2] == "low"
	}
	if m[3] != "" {
		if v, err := strconv.ParseFloat(m[3], 64); err == nil {
			return v < 0.5
		}
	}
	return false
}

// Package reading defines the Reading record shared by every stage
// downstream of the vision providers: validation, archiving,
// time-series storage and the HTTP surface.
package reading

import "time"

// Confidence is the categorical confidence assigned to a Reading,
// possibly downgraded from the provider's own value by validation.
type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

// Format records which of the two accepted vision-response schemas
// (see readingparser) produced a Reading.
type Format string

const (
	FormatDetailed Format = "detailed"
	FormatSimple   Format = "simple"
)

// Reading is an immutable record of one interpreted meter capture.
type Reading struct {
	MeterName string    `json:"meter_name"`
	Timestamp time.Time `json:"timestamp"`
	Total     float64   `json:"total"`

	HasComponents bool    `json:"has_components"`
	DigitalInt    int     `json:"digital_int,omitempty"`
	DialFraction  float64 `json:"dial_fraction,omitempty"`
	DialAngleDeg  float64 `json:"dial_angle_deg,omitempty"`

	Confidence        Confidence `json:"confidence"`
	ConfidenceNumeric *float64   `json:"confidence_numeric,omitempty"`
	Format            Format     `json:"format,omitempty"`

	VisionModel    string `json:"vision_model"`
	VisionProvider string `json:"vision_provider"`
	PromptProfile  string `json:"prompt_profile"`

	Notes    string   `json:"notes"`
	Warnings []string `json:"warnings,omitempty"`

	SnapshotRef    string `json:"snapshot_ref"`
	RawResponseRef string `json:"raw_response_ref,omitempty"`

	// ReprocessedFrom holds the timestamp (RFC3339, with fractional
	// seconds only when non-zero) of the reading this one supersedes,
	// when produced by a
	// reprocess operation against the same snapshot.
	ReprocessedFrom string `json:"reprocessed_from,omitempty"`
}

// HasWarning reports whether w is present among r's warnings.
func (r Reading) HasWarning(w string) bool {
	for _, x := range r.Warnings {
		if x == w {
			return true
		}
	}
	return false
}

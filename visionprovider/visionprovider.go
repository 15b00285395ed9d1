// Package visionprovider abstracts the image-to-reading vision
// service behind a uniform interface, with one concrete
// implementation per backend. The model's internal algorithm is
// treated as opaque; this package only shapes the request and the
// raw JSON response envelope.
package visionprovider

import (
	"context"

	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("metermon.visionprovider")

// PromptProfile names one of the enumerated output schemas a provider
// must be instructed to emit.
type PromptProfile string

const (
	DetailedWater   PromptProfile = "detailed_water"
	SimpleWater     PromptProfile = "simple_water"
	ElectricDigital PromptProfile = "electric_digital"
	GasMechanical   PromptProfile = "gas_mechanical"
)

// ProviderRaw is a provider's unparsed response, together with the
// provenance ReadingParser and the Reading record need downstream.
type ProviderRaw struct {
	JSONText  string
	TokensIn  int
	TokensOut int
	Model     string
	Provider  string
}

// Provider is the uniform capability every vision backend implements.
type Provider interface {
	// Name identifies the provider for Reading provenance, e.g. "gemini".
	Name() string
	// Read sends image to the backend instructed by profile and
	// returns its raw JSON response.
	Read(ctx context.Context, image []byte, model string, profile PromptProfile) (ProviderRaw, error)
}

// VisionUnavailableError reports that every configured provider
// (primary and all fallbacks) failed to produce a reading.
type VisionUnavailableError struct {
	Attempts []error
}

func (e *VisionUnavailableError) Error() string {
	return "vision service unavailable: all providers failed"
}

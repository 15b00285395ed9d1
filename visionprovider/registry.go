package visionprovider

import "gopkg.in/errgo.v1"

// Registry resolves a meterconfig.VisionSpec's provider name to a
// Provider implementation. MeterMonitor owns the fallback sequencing;
// Registry only does the name lookup.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a Registry from name->Provider pairs, e.g. from
// environment-sourced API keys at startup.
func NewRegistry(providers map[string]Provider) *Registry {
	return &Registry{providers: providers}
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, errgo.Newf("no vision provider registered for %q", name)
	}
	return p, nil
}

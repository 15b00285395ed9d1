// Package meterconfig loads, validates and hot-reloads meter
// definitions and pricing tables.
package meterconfig

import (
	"sync/atomic"

	"github.com/juju/loggo"
	"gopkg.in/errgo.v1"

	"github.com/meterwatch/metermon/internal/notifier"
)

var logger = loggo.GetLogger("metermon.meterconfig")

// Store owns the current configuration snapshot. It's safe for
// concurrent use; current() never blocks on a reload in progress.
type Store struct {
	metersPath  string
	pricingPath string

	current atomic.Value // holds *Config

	// changed is broadcast whenever reload() installs a new snapshot.
	changed notifier.Notifier

	// reloadErrors delivers errors encountered by failed reloads;
	// a failed reload never replaces the current snapshot.
	reloadErrors chan error
}

// Open loads the configuration at metersPath/pricingPath and returns a
// Store serving it, retaining both paths for later Reload calls.
func Open(metersPath, pricingPath string) (*Store, error) {
	cfg, err := load(metersPath, pricingPath)
	if err != nil {
		return nil, err
	}
	s := &Store{
		metersPath:   metersPath,
		pricingPath:  pricingPath,
		reloadErrors: make(chan error, 8),
	}
	s.current.Store(cfg)
	return s, nil
}

func load(metersPath, pricingPath string) (*Config, error) {
	meters, err := loadMeters(metersPath)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	pricing, err := loadPricing(pricingPath)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	return &Config{Meters: meters, Pricing: pricing}, nil
}

// Current returns the most recently valid configuration snapshot. The
// caller must not mutate the returned value.
func (s *Store) Current() *Config {
	return s.current.Load().(*Config)
}

// Reload attempts to re-parse the configuration files. On success, the
// new snapshot is swapped in atomically and watchers are notified. On
// failure, the previous snapshot is retained and the error is both
// returned and pushed to the reload-error event channel so that
// out-of-band observers (e.g. the HTTP status endpoint) can surface it
// without the caller having to thread it through.
func (s *Store) Reload() error {
	cfg, err := load(s.metersPath, s.pricingPath)
	if err != nil {
		logger.Errorf("config reload failed, keeping previous snapshot: %v", err)
		select {
		case s.reloadErrors <- err:
		default:
			// Drop if nobody's listening; the caller still gets the error.
		}
		return err
	}
	s.current.Store(cfg)
	s.changed.Changed()
	logger.Infof("configuration reloaded: %d meters", len(cfg.Meters))
	return nil
}

// Watch returns a watcher that wakes up each time Reload installs a
// new valid snapshot.
func (s *Store) Watch() *notifier.Watcher {
	return s.changed.Watch()
}

// ReloadErrors returns the channel on which failed-reload errors are
// delivered (best effort; when the buffer is full the newest error is
// dropped).
func (s *Store) ReloadErrors() <-chan error {
	return s.reloadErrors
}

// Close releases the store's resources.
func (s *Store) Close() error {
	return s.changed.Close()
}

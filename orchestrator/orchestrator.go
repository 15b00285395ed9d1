// Package orchestrator spawns one metermonitor.Monitor per enabled
// meter, owns their lifecycles, and reconciles the running set
// against configuration reloads.
package orchestrator

import (
	"sync"
	"time"

	"github.com/juju/loggo"

	"github.com/meterwatch/metermon/meterconfig"
	"github.com/meterwatch/metermon/metermonitor"
)

var logger = loggo.GetLogger("metermon.orchestrator")

// NewMonitor constructs a Monitor for meter; wired to
// metermonitor.New in production and to a fake in tests.
type NewMonitor func(meter meterconfig.Meter) *metermonitor.Monitor

// MeterStatus is one meter's status as reported by Orchestrator.Status.
type MeterStatus struct {
	Meter               string
	State               metermonitor.State
	ConsecutiveFailures int
	LastReadingAt       time.Time
	LastError           string
}

// Orchestrator owns the running set of per-meter monitors.
type Orchestrator struct {
	newMonitor NewMonitor

	mu       sync.Mutex
	monitors map[string]*monitorEntry
}

type monitorEntry struct {
	monitor *metermonitor.Monitor
	meter   meterconfig.Meter
}

// New returns an Orchestrator that uses newMonitor to create monitors.
func New(newMonitor NewMonitor) *Orchestrator {
	return &Orchestrator{
		newMonitor: newMonitor,
		monitors:   make(map[string]*monitorEntry),
	}
}

// Start instantiates one Monitor per enabled meter in cfg.
func (o *Orchestrator) Start(cfg *meterconfig.Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range cfg.Meters {
		if !m.Enabled {
			continue
		}
		o.startLocked(m)
	}
}

func (o *Orchestrator) startLocked(m meterconfig.Meter) {
	logger.Infof("starting monitor for meter %q", m.Name)
	o.monitors[m.Name] = &monitorEntry{
		monitor: o.newMonitor(m),
		meter:   m,
	}
}

// Stop signals every monitor to stop and waits up to graceDeadline in
// total; monitors still running after that are abandoned (their last
// Persisting step is always atomic, so abandoning mid-cycle is safe).
func (o *Orchestrator) Stop(graceDeadline time.Duration) {
	o.mu.Lock()
	entries := make([]*monitorEntry, 0, len(o.monitors))
	for _, e := range o.monitors {
		entries = append(entries, e)
	}
	o.monitors = make(map[string]*monitorEntry)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.monitor.Stop(graceDeadline)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(graceDeadline):
		logger.Warningf("orchestrator shutdown exceeded grace deadline %v, abandoning remaining monitors", graceDeadline)
	}
}

// Status returns the current status of every running monitor.
func (o *Orchestrator) Status() []MeterStatus {
	o.mu.Lock()
	entries := make([]*monitorEntry, 0, len(o.monitors))
	for _, e := range o.monitors {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	out := make([]MeterStatus, 0, len(entries))
	for _, e := range entries {
		st := e.monitor.Status()
		ms := MeterStatus{
			Meter:               st.MeterName,
			State:               st.State,
			ConsecutiveFailures: st.ConsecutiveFailures,
			LastError:           st.LastError,
		}
		if st.LastReading != nil {
			ms.LastReadingAt = st.LastReading.Timestamp
		}
		out = append(out, ms)
	}
	return out
}

// Monitor returns the running Monitor for meterName, if any.
func (o *Orchestrator) Monitor(meterName string) (*metermonitor.Monitor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.monitors[meterName]
	if !ok {
		return nil, false
	}
	return e.monitor, true
}

// ReloadConfig diffs cfg against the running set: it starts monitors
// for newly-enabled meters, stops monitors for newly-disabled ones,
// restarts monitors whose camera or interval changed, and leaves
// unchanged monitors running in place.
func (o *Orchestrator) ReloadConfig(cfg *meterconfig.Config) {
	o.mu.Lock()
	defer o.mu.Unlock()

	wanted := make(map[string]meterconfig.Meter, len(cfg.Meters))
	for _, m := range cfg.Meters {
		if m.Enabled {
			wanted[m.Name] = m
		}
	}

	for name, entry := range o.monitors {
		m, stillWanted := wanted[name]
		switch {
		case !stillWanted:
			logger.Infof("stopping monitor for disabled/removed meter %q", name)
			entry.monitor.Stop(5 * time.Second)
			delete(o.monitors, name)
		case needsRestart(entry.meter, m):
			logger.Infof("restarting monitor for meter %q (camera or interval changed)", name)
			entry.monitor.Stop(5 * time.Second)
			o.startLocked(m)
		default:
			entry.monitor.SetMeter(m)
			o.monitors[name].meter = m
		}
	}
	for name, m := range wanted {
		if _, ok := o.monitors[name]; !ok {
			o.startLocked(m)
		}
	}
}

func needsRestart(old, new meterconfig.Meter) bool {
	return old.Camera != new.Camera || old.ReadingIntervalSeconds != new.ReadingIntervalSeconds
}

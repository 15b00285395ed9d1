// Package metermonitor runs the per-meter capture→read→validate→persist
// state machine: one Monitor per meter, scheduled on an
// interval aligned to wall-clock boundaries, with exponential backoff
// on capture failure.
package metermonitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/juju/loggo"
	"gopkg.in/errgo.v1"

	"github.com/meterwatch/metermon/cameraclient"
	"github.com/meterwatch/metermon/meterconfig"
	"github.com/meterwatch/metermon/reading"
	"github.com/meterwatch/metermon/readingparser"
	"github.com/meterwatch/metermon/readingvalidator"
	"github.com/meterwatch/metermon/snapshotarchive"
	"github.com/meterwatch/metermon/visionprovider"

	"github.com/meterwatch/metermon/internal/notifier"
)

var logger = loggo.GetLogger("metermon.metermonitor")

// State is one of the per-meter state-machine states.
type State string

const (
	Idle       State = "idle"
	Capturing  State = "capturing"
	Reading    State = "reading"
	Validating State = "validating"
	Persisting State = "persisting"
	Backoff    State = "backoff"
)

const (
	backoffBase = 5 * time.Second
	backoffCap  = 300 * time.Second
)

// TimeSeriesWriter is the subset of timeseries.Store a Monitor needs;
// expressed as an interface so tests can substitute a fake.
type TimeSeriesWriter interface {
	Append(r reading.Reading) error
}

// Archive is the subset of snapshotarchive.Archive a Monitor needs.
type Archive interface {
	Put(meterName string, image []byte, r reading.Reading, cameraEndpoint, imageHashSHA256 string) (snapshotarchive.Ref, error)
	GetImage(ref snapshotarchive.Ref) ([]byte, error)
	GetSidecar(ref snapshotarchive.Ref) (snapshotarchive.Sidecar, error)
}

// Camera is the subset of cameraclient.Client a Monitor needs.
type Camera interface {
	Fetch(ctx context.Context, cam meterconfig.Camera) (cameraclient.Image, error)
}

// Clock supplies monotonic-ish timestamps for new readings.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Status is a point-in-time snapshot of a Monitor, for the
// Orchestrator's and HTTPService's status views.
type Status struct {
	MeterName      string
	State          State
	ConsecutiveFailures int
	LastReading    *reading.Reading
	LastError      string
	NextAttempt    time.Time
}

// Deps bundles the collaborators a Monitor drives each cycle.
type Deps struct {
	Camera     Camera
	Vision     *visionprovider.Registry
	Archive    Archive
	TimeSeries TimeSeriesWriter
	Clock      Clock
}

// Monitor runs the capture cycle for a single meter.
type Monitor struct {
	deps Deps

	mu      sync.Mutex
	meter   meterconfig.Meter
	state   State
	failures int
	last    *reading.Reading
	lastErr string
	next    time.Time

	statusChanged notifier.Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	captureReq chan captureRequest
}

type captureRequest struct {
	snapshotRef string // non-empty for a reprocess
	resp        chan captureOutcome
}

type captureOutcome struct {
	reading reading.Reading
	err     error
}

// New starts a Monitor for meter. The monitor runs in the background
// until Stop is called.
func New(meter meterconfig.Meter, deps Deps) *Monitor {
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		deps:       deps,
		meter:      meter,
		state:      Idle,
		ctx:        ctx,
		cancel:     cancel,
		captureReq: make(chan captureRequest),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Stop cancels the monitor's scheduling loop and waits for it to
// exit, up to deadline.
func (m *Monitor) Stop(deadline time.Duration) {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		logger.Warningf("meter %q did not stop within %v", m.meter.Name, deadline)
	}
}

// SetMeter installs an updated definition, taking effect from the
// next cycle onward (a cycle already in flight keeps using the old
// one).
func (m *Monitor) SetMeter(meter meterconfig.Meter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meter = meter
}

// Status returns a snapshot of the monitor's current state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		MeterName:           m.meter.Name,
		State:               m.state,
		ConsecutiveFailures: m.failures,
		LastReading:         m.last,
		LastError:           m.lastErr,
		NextAttempt:         m.next,
	}
}

// Watch returns a watcher woken each time the monitor's status
// changes.
func (m *Monitor) Watch() *notifier.Watcher {
	return m.statusChanged.Watch()
}

// CaptureOnce runs one capture cycle immediately, out of band from
// the scheduled timer, and returns its resulting Reading.
func (m *Monitor) CaptureOnce(ctx context.Context) (reading.Reading, error) {
	req := captureRequest{resp: make(chan captureOutcome, 1)}
	select {
	case m.captureReq <- req:
	case <-ctx.Done():
		return reading.Reading{}, ctx.Err()
	case <-m.ctx.Done():
		return reading.Reading{}, errgo.Newf("monitor for %q is stopped", m.meter.Name)
	}
	select {
	case out := <-req.resp:
		return out.reading, out.err
	case <-ctx.Done():
		return reading.Reading{}, ctx.Err()
	}
}

// Reprocess re-runs the read→parse→validate→persist pipeline against
// the already-archived image for snapshotRef, producing a new Reading
// that references the same snapshot.
func (m *Monitor) Reprocess(ctx context.Context, snapshotRef string) (reading.Reading, error) {
	req := captureRequest{snapshotRef: snapshotRef, resp: make(chan captureOutcome, 1)}
	select {
	case m.captureReq <- req:
	case <-ctx.Done():
		return reading.Reading{}, ctx.Err()
	case <-m.ctx.Done():
		return reading.Reading{}, errgo.Newf("monitor for %q is stopped", m.meter.Name)
	}
	select {
	case out := <-req.resp:
		return out.reading, out.err
	case <-ctx.Done():
		return reading.Reading{}, ctx.Err()
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.statusChanged.Changed()
}

func (m *Monitor) currentMeter() meterconfig.Meter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meter
}

// run is the monitor's single goroutine: it owns all cycle-local
// mutable state, so no locking is needed within a cycle.
func (m *Monitor) run() {
	defer m.wg.Done()

	interval := time.Duration(m.currentMeter().ReadingIntervalSeconds) * time.Second
	epoch := m.deps.Clock.Now().Truncate(time.Second)

	timer := time.NewTimer(0) // fire immediately for the first cycle
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case req := <-m.captureReq:
			m.runCycle(req.snapshotRef, req.resp)
			continue
		case <-timer.C:
		}

		meter := m.currentMeter()
		if !meter.Enabled {
			m.scheduleNext(timer, epoch, interval)
			continue
		}
		m.runCycle("", nil)

		interval = time.Duration(meter.ReadingIntervalSeconds) * time.Second
		m.scheduleNext(timer, epoch, interval)
	}
}

// scheduleNext anchors the next fire time to epoch + N*interval, the
// smallest such time strictly after now, so cycles don't drift later
// with every iteration's own processing time.
func (m *Monitor) scheduleNext(timer *time.Timer, epoch time.Time, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	now := m.deps.Clock.Now()
	elapsed := now.Sub(epoch)
	n := elapsed/interval + 1
	next := epoch.Add(n * interval)
	m.mu.Lock()
	m.next = next
	m.mu.Unlock()
	timer.Reset(next.Sub(now))
}

// runCycle executes one capture→read→validate→persist pass. If resp
// is non-nil the outcome is also delivered there (manual trigger or
// reprocess); the scheduled path passes resp=nil and only logs.
func (m *Monitor) runCycle(reprocessRef string, resp chan<- captureOutcome) {
	meter := m.currentMeter()
	r, err := m.doCycle(meter, reprocessRef)
	if resp != nil {
		resp <- captureOutcome{reading: r, err: err}
	}
	if err != nil {
		if _, dup := err.(*readingvalidator.DuplicateCaptureError); dup {
			logger.Debugf("%s: duplicate capture, skipping write", meter.Name)
			return
		}
		logger.Warningf("%s: cycle failed: %v", meter.Name, err)
	}
}

func (m *Monitor) doCycle(meter meterconfig.Meter, reprocessRef string) (reading.Reading, error) {
	var (
		image          cameraclient.Image
		cameraEndpoint string
		reprocessFrom  string
	)

	if reprocessRef != "" {
		m.setState(Reading)
		ref := snapshotarchive.Ref{ID: reprocessRef, MeterName: meter.Name}
		sidecar, err := m.deps.Archive.GetSidecar(ref)
		if err != nil {
			return reading.Reading{}, errgo.Notef(err, "cannot load sidecar for reprocess")
		}
		raw, err := m.deps.Archive.GetImage(ref)
		if err != nil {
			return reading.Reading{}, errgo.Notef(err, "cannot load image for reprocess")
		}
		image = cameraclient.Image{Bytes: raw, FetchedAt: sidecar.Timestamp}
		cameraEndpoint = sidecar.CameraEndpoint
		reprocessFrom = sidecar.Timestamp.Format(time.RFC3339Nano)
	} else {
		m.setState(Capturing)
		img, err := m.deps.Camera.Fetch(m.ctx, meter.Camera)
		if err != nil {
			m.recordFailure(err)
			return reading.Reading{}, errgo.Notef(err, "capture failed")
		}
		image = img
		cameraEndpoint = meter.Camera.EndpointURL
	}

	m.setState(Reading)
	raw, visionSpec, err := m.readWithFallback(meter, image.Bytes)
	if err != nil {
		m.recordFailure(err)
		return reading.Reading{}, errgo.Mask(err)
	}

	parsed, err := readingparser.Parse(raw.JSONText, meter)
	if err != nil {
		// A ParseError is unrecoverable for this image but the image
		// was captured fine, so it does not count toward backoff.
		return reading.Reading{}, errgo.Notef(err, "parse failed")
	}

	m.setState(Validating)
	m.mu.Lock()
	previous := m.last
	m.mu.Unlock()
	now := m.deps.Clock.Now()
	annotated, err := readingvalidator.Validate(parsed, previous, meter, now)
	if err != nil {
		return reading.Reading{}, err
	}

	m.setState(Persisting)
	r := reading.Reading{
		MeterName:         meter.Name,
		Timestamp:         now,
		Total:             annotated.Total,
		HasComponents:     true,
		DigitalInt:        annotated.DigitalInt,
		DialFraction:      annotated.DialFraction,
		DialAngleDeg:      annotated.DialAngleDeg,
		Confidence:        annotated.Confidence,
		ConfidenceNumeric: annotated.ConfidenceNumeric,
		Format:            reading.Format(annotated.Format),
		VisionModel:       raw.Model,
		VisionProvider:    raw.Provider,
		PromptProfile:     string(visionSpec.PromptProfile),
		Notes:             annotated.Notes,
		Warnings:          annotated.Warnings,
		ReprocessedFrom:   reprocessFrom,
	}

	if reprocessRef != "" {
		// Reprocessing reinterprets the same archived capture: it must
		// not mint a new snapshot id or write a duplicate image.
		r.SnapshotRef = reprocessRef
	} else {
		hash := sha256.Sum256(image.Bytes)
		ref, err := m.deps.Archive.Put(meter.Name, image.Bytes, r, cameraEndpoint, hex.EncodeToString(hash[:]))
		if err != nil {
			return reading.Reading{}, errgo.Notef(err, "snapshot archive write failed")
		}
		r.SnapshotRef = ref.ID
	}

	if err := m.deps.TimeSeries.Append(r); err != nil {
		logger.Warningf("%s: time-series append reported a failure (queued for retry): %v", meter.Name, err)
	}

	m.mu.Lock()
	m.last = &r
	m.failures = 0
	m.lastErr = ""
	m.mu.Unlock()
	m.setState(Idle)
	return r, nil
}

// readWithFallback implements the vision fallback policy: primary is
// tried first; a fallback is tried only on Error or low confidence,
// and the last attempt's result is used even if still low confidence.
func (m *Monitor) readWithFallback(meter meterconfig.Meter, image []byte) (visionprovider.ProviderRaw, meterconfig.VisionSpec, error) {
	specs := append([]meterconfig.VisionSpec{meter.Vision.Primary}, meter.Vision.Fallbacks...)
	var lastErr error
	var lastRaw visionprovider.ProviderRaw
	var lastSpec meterconfig.VisionSpec
	var attempts []error
	for i, spec := range specs {
		provider, err := m.deps.Vision.Lookup(spec.Provider)
		if err != nil {
			lastErr = err
			attempts = append(attempts, err)
			continue
		}
		raw, err := provider.Read(m.ctx, image, spec.Model, visionprovider.PromptProfile(spec.PromptProfile))
		if err != nil {
			lastErr = err
			attempts = append(attempts, err)
			continue
		}
		lastRaw = raw
		lastSpec = spec
		lastErr = nil
		if !isLowConfidence(raw) {
			return raw, spec, nil
		}
		if i == len(specs)-1 {
			// Final attempt: accept even if still low-confidence.
			return raw, spec, nil
		}
		// Low confidence and fallbacks remain: keep trying.
	}
	if lastErr == nil {
		return lastRaw, lastSpec, nil
	}
	return visionprovider.ProviderRaw{}, meterconfig.VisionSpec{}, &visionprovider.VisionUnavailableError{Attempts: attempts}
}

// isLowConfidence makes a best-effort textual check of the raw JSON
// for a low confidence marker, ahead of the full parse; a provider
// that can't even be scanned this way is treated as not-low so its
// result is accepted rather than masked by a fallback.
func isLowConfidence(raw visionprovider.ProviderRaw) bool {
	return containsLowConfidenceMarker(raw.JSONText)
}

func (m *Monitor) recordFailure(err error) {
	m.mu.Lock()
	m.failures++
	m.lastErr = err.Error()
	failures := m.failures
	m.mu.Unlock()
	m.setState(Backoff)
	delay := backoffDelay(failures)
	logger.Warningf("%s: entering backoff for %v after %d consecutive failures", m.currentMeter().Name, delay, failures)
	select {
	case <-time.After(delay):
	case <-m.ctx.Done():
	}
	m.setState(Idle)
}

func backoffDelay(failures int) time.Duration {
	d := backoffBase
	for i := 1; i < failures && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

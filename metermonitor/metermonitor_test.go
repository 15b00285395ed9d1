package metermonitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/meterwatch/metermon/cameraclient"
	"github.com/meterwatch/metermon/meterconfig"
	"github.com/meterwatch/metermon/metermonitor"
	"github.com/meterwatch/metermon/reading"
	"github.com/meterwatch/metermon/snapshotarchive"
	"github.com/meterwatch/metermon/visionprovider"
)

type fakeCamera struct {
	image cameraclient.Image
	err   error
}

func (f *fakeCamera) Fetch(ctx context.Context, cam meterconfig.Camera) (cameraclient.Image, error) {
	return f.image, f.err
}

type fakeProvider struct {
	text string
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Read(ctx context.Context, image []byte, model string, profile visionprovider.PromptProfile) (visionprovider.ProviderRaw, error) {
	if f.err != nil {
		return visionprovider.ProviderRaw{}, f.err
	}
	return visionprovider.ProviderRaw{JSONText: f.text, Model: model, Provider: "fake"}, nil
}

type fakeArchive struct {
	mu   sync.Mutex
	refs map[string]snapshotarchive.Sidecar
	img  map[string][]byte
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{refs: make(map[string]snapshotarchive.Sidecar), img: make(map[string][]byte)}
}

func (a *fakeArchive) Put(meterName string, image []byte, r reading.Reading, cameraEndpoint, hash string) (snapshotarchive.Ref, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := snapshotarchive.MakeID(meterName, r.Timestamp)
	a.refs[id] = snapshotarchive.Sidecar{Reading: r, CameraEndpoint: cameraEndpoint, ImageHashSHA256: hash}
	a.img[id] = image
	return snapshotarchive.Ref{ID: id, MeterName: meterName}, nil
}

func (a *fakeArchive) GetImage(ref snapshotarchive.Ref) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.img[ref.ID], nil
}

func (a *fakeArchive) GetSidecar(ref snapshotarchive.Ref) (snapshotarchive.Sidecar, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs[ref.ID], nil
}

type fakeTimeSeries struct {
	mu       sync.Mutex
	appended []reading.Reading
}

func (f *fakeTimeSeries) Append(r reading.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, r)
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testMeter() meterconfig.Meter {
	return meterconfig.Meter{
		Name:                   "water_main",
		ReadingIntervalSeconds: 3600,
		MaxChangePerReading:    50,
		MeterKind:              meterconfig.DigitalOnly,
		Vision: meterconfig.Vision{
			Primary: meterconfig.VisionSpec{Provider: "fake", Model: "fake-1", PromptProfile: "electric_digital"},
		},
	}
}

func TestCaptureOnceProducesReading(t *testing.T) {
	c := qt.New(t)
	clock := &fakeClock{t: time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)}
	vr := visionprovider.NewRegistry(map[string]visionprovider.Provider{
		"fake": &fakeProvider{text: `{"digital_reading": 100, "confidence": "high", "notes": ""}`},
	})
	ts := &fakeTimeSeries{}
	m := metermonitor.New(testMeter(), metermonitor.Deps{
		Camera:     &fakeCamera{image: cameraclient.Image{Bytes: []byte{0xFF, 0xD8, 0xFF, 0xD9}}},
		Vision:     vr,
		Archive:    newFakeArchive(),
		TimeSeries: ts,
		Clock:      clock,
	})
	defer m.Stop(time.Second)

	r, err := m.CaptureOnce(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(r.Total, qt.Equals, 100.0)
	c.Assert(r.VisionProvider, qt.Equals, "fake")
	c.Assert(r.SnapshotRef, qt.Not(qt.Equals), "")
}

func TestCaptureOnceCameraFailureReturnsError(t *testing.T) {
	c := qt.New(t)
	clock := &fakeClock{t: time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)}
	vr := visionprovider.NewRegistry(map[string]visionprovider.Provider{"fake": &fakeProvider{}})
	m := metermonitor.New(testMeter(), metermonitor.Deps{
		Camera:     &fakeCamera{err: &cameraclient.NetworkError{Endpoint: "http://x", Err: context.DeadlineExceeded}},
		Vision:     vr,
		Archive:    newFakeArchive(),
		TimeSeries: &fakeTimeSeries{},
		Clock:      clock,
	})
	defer m.Stop(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := m.CaptureOnce(ctx)
	c.Assert(err, qt.Not(qt.IsNil))

	status := m.Status()
	c.Assert(status.ConsecutiveFailures >= 0, qt.IsTrue)
}

func TestReprocessReferencesOriginalSnapshot(t *testing.T) {
	c := qt.New(t)
	clock := &fakeClock{t: time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)}
	vr := visionprovider.NewRegistry(map[string]visionprovider.Provider{
		"fake": &fakeProvider{text: `{"digital_reading": 200, "confidence": "high", "notes": ""}`},
	})
	archive := newFakeArchive()
	m := metermonitor.New(testMeter(), metermonitor.Deps{
		Camera:     &fakeCamera{image: cameraclient.Image{Bytes: []byte{0xFF, 0xD8, 0xFF, 0xD9}}},
		Vision:     vr,
		Archive:    archive,
		TimeSeries: &fakeTimeSeries{},
		Clock:      clock,
	})
	defer m.Stop(time.Second)

	first, err := m.CaptureOnce(context.Background())
	c.Assert(err, qt.IsNil)

	clock.advance(time.Minute)
	second, err := m.Reprocess(context.Background(), first.SnapshotRef)
	c.Assert(err, qt.IsNil)
	c.Assert(second.SnapshotRef, qt.Equals, first.SnapshotRef)
	c.Assert(second.ReprocessedFrom, qt.Not(qt.Equals), "")
}

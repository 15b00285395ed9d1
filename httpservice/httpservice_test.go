package httpservice_test

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/meterwatch/metermon/cameraclient"
	"github.com/meterwatch/metermon/consumption"
	"github.com/meterwatch/metermon/httpservice"
	"github.com/meterwatch/metermon/meterconfig"
	"github.com/meterwatch/metermon/metermonitor"
	"github.com/meterwatch/metermon/orchestrator"
	"github.com/meterwatch/metermon/reading"
	"github.com/meterwatch/metermon/snapshotarchive"
	"github.com/meterwatch/metermon/visionprovider"
)

const oneMeter = `
meters:
  - name: water_main
    type: water
    unit: "m³"
    enabled: true
    reading_interval_seconds: 3600
    max_change_per_reading: 10.0
    camera:
      endpoint_url: "http://cam.local/still.jpg"
      endpoint_kind: still
      auth: {kind: none}
      timeout_ms: 10000
      rotation_deg: 0
    meter_kind: digital_only
    vision:
      primary: {provider: fake, model: "fake-1", prompt_profile: electric_digital}
`

func openConfig(c *qt.C) *meterconfig.Store {
	dir := c.Mkdir()
	p := filepath.Join(dir, "meters.yaml")
	c.Assert(ioutil.WriteFile(p, []byte(oneMeter), 0666), qt.IsNil)
	s, err := meterconfig.Open(p, "")
	c.Assert(err, qt.IsNil)
	return s
}

type fakeTimeSeries struct {
	latest *reading.Reading
}

func (f *fakeTimeSeries) QueryLatest(meterName string) (*reading.Reading, error) {
	return f.latest, nil
}

func (f *fakeTimeSeries) QueryRange(meterName string, t0, t1 time.Time) ([]reading.Reading, error) {
	if f.latest == nil {
		return nil, nil
	}
	return []reading.Reading{*f.latest}, nil
}

type fakeSnapshots struct{}

func (fakeSnapshots) List(meterName string, limit int, beforeID string) ([]snapshotarchive.Ref, error) {
	return []snapshotarchive.Ref{{ID: "water_main_20260731T090000Z", MeterName: meterName}}, nil
}

func (fakeSnapshots) GetImage(ref snapshotarchive.Ref) ([]byte, error) {
	return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil
}

func (fakeSnapshots) GetSidecar(ref snapshotarchive.Ref) (snapshotarchive.Sidecar, error) {
	return snapshotarchive.Sidecar{}, nil
}

type fakeCamera struct{}

func (fakeCamera) Fetch(ctx context.Context, cam meterconfig.Camera) (cameraclient.Image, error) {
	return cameraclient.Image{Bytes: []byte{0xFF, 0xD8, 0xFF, 0xD9}}, nil
}

type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }
func (fakeProvider) Read(ctx context.Context, image []byte, model string, profile visionprovider.PromptProfile) (visionprovider.ProviderRaw, error) {
	return visionprovider.ProviderRaw{JSONText: `{"digital_reading": 42, "confidence": "high", "notes": ""}`, Provider: "fake"}, nil
}

func newOrchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(func(m meterconfig.Meter) *metermonitor.Monitor {
		return metermonitor.New(m, metermonitor.Deps{
			Camera:     fakeCamera{},
			Vision:     visionprovider.NewRegistry(map[string]visionprovider.Provider{"fake": fakeProvider{}}),
			Archive:    fakeArchiveForMonitor{},
			TimeSeries: fakeTimeSeriesWriter{},
		})
	})
}

type fakeArchiveForMonitor struct{}

func (fakeArchiveForMonitor) Put(meterName string, image []byte, r reading.Reading, endpoint, hash string) (snapshotarchive.Ref, error) {
	return snapshotarchive.Ref{ID: snapshotarchive.MakeID(meterName, r.Timestamp), MeterName: meterName}, nil
}
func (fakeArchiveForMonitor) GetImage(ref snapshotarchive.Ref) ([]byte, error) { return nil, nil }
func (fakeArchiveForMonitor) GetSidecar(ref snapshotarchive.Ref) (snapshotarchive.Sidecar, error) {
	return snapshotarchive.Sidecar{}, nil
}

type fakeTimeSeriesWriter struct{}

func (fakeTimeSeriesWriter) Append(r reading.Reading) error { return nil }

func TestGetConfigMetersRedactsCredentials(t *testing.T) {
	c := qt.New(t)
	cfgStore := openConfig(c)
	defer cfgStore.Close()

	svc := httpservice.New(httpservice.Params{
		Config:       cfgStore,
		TimeSeries:   &fakeTimeSeries{},
		Snapshots:    fakeSnapshots{},
		Consumption:  consumption.New(&fakeTimeSeries{}),
		Orchestrator: newOrchestrator(),
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/config/meters", nil)
	svc.ServeHTTP(rr, req)
	c.Assert(rr.Code, qt.Equals, http.StatusOK)
	c.Assert(strings.Contains(rr.Body.String(), "password"), qt.IsFalse)
}

func TestGetLatestUnknownMeterIs404(t *testing.T) {
	c := qt.New(t)
	cfgStore := openConfig(c)
	defer cfgStore.Close()

	svc := httpservice.New(httpservice.Params{
		Config:       cfgStore,
		TimeSeries:   &fakeTimeSeries{},
		Snapshots:    fakeSnapshots{},
		Consumption:  consumption.New(&fakeTimeSeries{}),
		Orchestrator: newOrchestrator(),
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/latest/not_a_meter", nil)
	svc.ServeHTTP(rr, req)
	c.Assert(rr.Code, qt.Equals, http.StatusNotFound)
}

func TestGetLatestReturnsReading(t *testing.T) {
	c := qt.New(t)
	cfgStore := openConfig(c)
	defer cfgStore.Close()

	ts := &fakeTimeSeries{latest: &reading.Reading{MeterName: "water_main", Total: 99, Timestamp: time.Now()}}
	svc := httpservice.New(httpservice.Params{
		Config:       cfgStore,
		TimeSeries:   ts,
		Snapshots:    fakeSnapshots{},
		Consumption:  consumption.New(ts),
		Orchestrator: newOrchestrator(),
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/latest/water_main", nil)
	svc.ServeHTTP(rr, req)
	c.Assert(rr.Code, qt.Equals, http.StatusOK)
}

func TestGetSnapshotImageServesJPEG(t *testing.T) {
	c := qt.New(t)
	cfgStore := openConfig(c)
	defer cfgStore.Close()

	svc := httpservice.New(httpservice.Params{
		Config:       cfgStore,
		TimeSeries:   &fakeTimeSeries{},
		Snapshots:    fakeSnapshots{},
		Consumption:  consumption.New(&fakeTimeSeries{}),
		Orchestrator: newOrchestrator(),
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/snapshot/water_main/water_main_20260731T090000Z/image", nil)
	svc.ServeHTTP(rr, req)
	c.Assert(rr.Code, qt.Equals, http.StatusOK)
	c.Assert(rr.Header().Get("Content-Type"), qt.Equals, "image/jpeg")
}

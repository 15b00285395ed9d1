// Package httpservice exposes the meter-monitoring system over HTTP:
// configuration, latest/historical readings, consumption buckets,
// snapshot retrieval, on-demand capture/reprocess and live status —
// stateless over the components it wraps.
package httpservice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/meterwatch/metermon/cameraclient"
	"github.com/meterwatch/metermon/consumption"
	"github.com/meterwatch/metermon/meterconfig"
	"github.com/meterwatch/metermon/orchestrator"
	"github.com/meterwatch/metermon/reading"
	"github.com/meterwatch/metermon/readingparser"
	"github.com/meterwatch/metermon/readingvalidator"
	"github.com/meterwatch/metermon/snapshotarchive"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LatestReader is the subset of timeseries.Store used for latest-value
// and history lookups.
type LatestReader interface {
	QueryLatest(meterName string) (*reading.Reading, error)
	QueryRange(meterName string, t0, t1 time.Time) ([]reading.Reading, error)
}

// SnapshotReader is the subset of snapshotarchive.Archive the service reads.
type SnapshotReader interface {
	List(meterName string, limit int, beforeID string) ([]snapshotarchive.Ref, error)
	GetImage(ref snapshotarchive.Ref) ([]byte, error)
	GetSidecar(ref snapshotarchive.Ref) (snapshotarchive.Sidecar, error)
}

// Params bundles the collaborators Service wraps.
type Params struct {
	Config       *meterconfig.Store
	TimeSeries   LatestReader
	Snapshots    SnapshotReader
	Consumption  *consumption.Aggregator
	Orchestrator *orchestrator.Orchestrator
	// StreamProxy opens a live MJPEG/still stream for a meter's camera,
	// reusing the same cameraclient.Client the monitors use. The
	// returned body is copied straight through to the response rather
	// than buffered, so a genuine multipart MJPEG stream stays live.
	StreamProxy func(ctx context.Context, cam meterconfig.Camera) (body io.ReadCloser, contentType string, err error)
}

// Service is the stateless HTTP façade over the monitoring system.
type Service struct {
	p   Params
	mux http.Handler
}

// New builds a Service ready to be used as an http.Handler.
func New(p Params) *Service {
	s := &Service{p: p}
	r := httprouter.New()
	r.GET("/api/config/meters", s.getConfigMeters)
	r.GET("/api/config/pricing", s.getConfigPricing)
	r.POST("/api/config/reload", s.postConfigReload)
	r.GET("/api/latest/:meter", s.getLatest)
	r.GET("/api/history/:meter", s.getHistory)
	r.GET("/api/consumption/:meter", s.getConsumption)
	r.GET("/api/snapshots/:meter", s.getSnapshots)
	r.GET("/api/snapshot/:meter/:id/image", s.getSnapshotImage)
	r.GET("/api/snapshot/:meter/:id/sidecar", s.getSnapshotSidecar)
	r.POST("/api/capture/:meter", s.postCapture)
	r.POST("/api/reprocess/:meter/:id", s.postReprocess)
	r.GET("/api/stream/:meter", s.getStream)
	r.GET("/api/status", s.getStatus)
	r.GET("/api/statusupdates", s.getStatusUpdates)
	s.mux = gziphandler.GzipHandler(r)
	return s
}

func (s *Service) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Printf("request: %s %v", req.Method, req.URL)
	s.mux.ServeHTTP(w, req)
}

// apiError is the JSON body written alongside a non-2xx status.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("cannot encode JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, format string, args ...interface{}) {
	writeJSON(w, status, apiError{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

func (s *Service) meterByName(name string) (meterconfig.Meter, bool) {
	cfg := s.p.Config.Current()
	for _, m := range cfg.Meters {
		if m.Name == name {
			return m, true
		}
	}
	return meterconfig.Meter{}, false
}

// redactedMeter strips camera credentials before a meter definition is
// sent to a client.
type redactedMeter struct {
	Name                    string                    `json:"name"`
	Type                    meterconfig.MeterType     `json:"type"`
	Unit                    string                    `json:"unit"`
	Location                string                    `json:"location"`
	Enabled                 bool                      `json:"enabled"`
	ReadingIntervalSeconds  int                       `json:"reading_interval_seconds"`
	MaxChangePerReading     float64                   `json:"max_change_per_reading"`
	MeterKind               meterconfig.MeterKind     `json:"meter_kind"`
	DialFullRevolutionUnits float64                   `json:"dial_full_revolution_units"`
	DialOrientation         meterconfig.DialOrientation `json:"dial_orientation"`
}

func redact(m meterconfig.Meter) redactedMeter {
	return redactedMeter{
		Name:                    m.Name,
		Type:                    m.Type,
		Unit:                    m.Unit,
		Location:                m.Location,
		Enabled:                 m.Enabled,
		ReadingIntervalSeconds:  m.ReadingIntervalSeconds,
		MaxChangePerReading:     m.MaxChangePerReading,
		MeterKind:               m.MeterKind,
		DialFullRevolutionUnits: m.DialFullRevolutionUnits,
		DialOrientation:         m.DialOrientation,
	}
}

func (s *Service) getConfigMeters(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	cfg := s.p.Config.Current()
	out := make([]redactedMeter, 0, len(cfg.Meters))
	for _, m := range cfg.Meters {
		out = append(out, redact(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) getConfigPricing(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	cfg := s.p.Config.Current()
	writeJSON(w, http.StatusOK, cfg.Pricing)
}

func (s *Service) postConfigReload(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if err := s.p.Config.Reload(); err != nil {
		writeError(w, http.StatusBadRequest, "ConfigInvalid", "%v", err)
		return
	}
	s.p.Orchestrator.ReloadConfig(s.p.Config.Current())
	writeJSON(w, http.StatusOK, struct{ OK bool }{true})
}

func (s *Service) getLatest(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	name := ps.ByName("meter")
	if _, ok := s.meterByName(name); !ok {
		writeError(w, http.StatusNotFound, "UnknownMeter", "no such meter %q", name)
		return
	}
	r, err := s.p.TimeSeries.QueryLatest(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", "%v", err)
		return
	}
	if r == nil {
		writeError(w, http.StatusNotFound, "NoReadings", "no readings yet for %q", name)
		return
	}
	writeJSON(w, http.StatusOK, r)
}

func (s *Service) getHistory(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	name := ps.ByName("meter")
	if _, ok := s.meterByName(name); !ok {
		writeError(w, http.StatusNotFound, "UnknownMeter", "no such meter %q", name)
		return
	}
	t0, t1, err := parseRange(req.URL.Query().Get("range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRange", "%v", err)
		return
	}
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadLimit", "%v", err)
			return
		}
	}
	readings, err := s.p.TimeSeries.QueryRange(name, t0, t1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", "%v", err)
		return
	}
	if limit > 0 && len(readings) > limit {
		readings = readings[len(readings)-limit:]
	}
	writeJSON(w, http.StatusOK, readings)
}

func parseRange(spec string) (time.Time, time.Time, error) {
	now := time.Now()
	if spec == "" {
		spec = "-7d"
	}
	d, err := parseRelativeDuration(spec)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return now.Add(d), now, nil
}

// parseRelativeDuration parses strings like "-7d", "-24h", "-30m".
func parseRelativeDuration(s string) (time.Duration, error) {
	if len(s) == 0 || s[0] != '-' {
		return 0, fmt.Errorf("range must start with '-': %q", s)
	}
	body := s[1:]
	if len(body) == 0 {
		return 0, fmt.Errorf("empty range: %q", s)
	}
	unit := body[len(body)-1]
	numPart := body[:len(body)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, fmt.Errorf("bad range %q: %v", s, err)
	}
	var unitDur time.Duration
	switch unit {
	case 'd':
		unitDur = 24 * time.Hour
	case 'h':
		unitDur = time.Hour
	case 'm':
		unitDur = time.Minute
	default:
		return 0, fmt.Errorf("unknown range unit %q in %q", string(unit), s)
	}
	return -time.Duration(n) * unitDur, nil
}

func (s *Service) getConsumption(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	name := ps.ByName("meter")
	if _, ok := s.meterByName(name); !ok {
		writeError(w, http.StatusNotFound, "UnknownMeter", "no such meter %q", name)
		return
	}
	period := req.URL.Query().Get("period")
	if period == "" {
		period = "24h"
	}
	interval := req.URL.Query().Get("interval")
	if interval == "" {
		interval = "hour"
	}
	periodDur, err := parseDuration(period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadPeriod", "%v", err)
		return
	}
	intervalDur, err := parseDuration(interval)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadInterval", "%v", err)
		return
	}
	now := time.Now()
	buckets, err := s.p.Consumption.Consumption(name, now.Add(-periodDur), now, intervalDur)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func parseDuration(s string) (time.Duration, error) {
	switch s {
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func (s *Service) getSnapshots(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	name := ps.ByName("meter")
	if _, ok := s.meterByName(name); !ok {
		writeError(w, http.StatusNotFound, "UnknownMeter", "no such meter %q", name)
		return
	}
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadLimit", "%v", err)
			return
		}
		limit = n
	}
	before := req.URL.Query().Get("before")
	refs, err := s.p.Snapshots.List(name, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

func (s *Service) refFor(req *http.Request, ps httprouter.Params) snapshotarchive.Ref {
	return snapshotarchive.Ref{
		ID:        ps.ByName("id"),
		MeterName: ps.ByName("meter"),
	}
}

func (s *Service) getSnapshotImage(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	ref := s.refFor(req, ps)
	data, err := s.p.Snapshots.GetImage(ref)
	if err != nil {
		writeError(w, http.StatusNotFound, "NoSuchSnapshot", "%v", err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(data)
}

func (s *Service) getSnapshotSidecar(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	ref := s.refFor(req, ps)
	sc, err := s.p.Snapshots.GetSidecar(ref)
	if err != nil {
		writeError(w, http.StatusNotFound, "NoSuchSnapshot", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Service) postCapture(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	name := ps.ByName("meter")
	mon, ok := s.p.Orchestrator.Monitor(name)
	if !ok {
		writeError(w, http.StatusNotFound, "UnknownMeter", "no running monitor for %q", name)
		return
	}
	r, err := mon.CaptureOnce(req.Context())
	if err != nil {
		if _, dup := err.(*readingvalidator.DuplicateCaptureError); dup {
			writeJSON(w, http.StatusOK, struct {
				NoChange bool `json:"no_change"`
			}{true})
			return
		}
		writeError(w, http.StatusBadGateway, errKind(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, r)
}

func (s *Service) postReprocess(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	name := ps.ByName("meter")
	id := ps.ByName("id")
	mon, ok := s.p.Orchestrator.Monitor(name)
	if !ok {
		writeError(w, http.StatusNotFound, "UnknownMeter", "no running monitor for %q", name)
		return
	}
	r, err := mon.Reprocess(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, errKind(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, r)
}

// errKind names the error's dynamic type for the client, so the
// dashboard can distinguish transient camera/provider errors from
// permanent parse failures without parsing the message text. It looks
// through errgo's annotation wrappers to the underlying error.
func errKind(err error) string {
	for err != nil {
		switch err.(type) {
		case *cameraclient.NetworkError, *cameraclient.TimeoutError, *cameraclient.HTTPStatusError, *cameraclient.InvalidImageError:
			return "CameraError"
		case *readingparser.ParseError, *readingvalidator.NonNegativeError:
			return "ParseError"
		}
		u, ok := err.(interface{ Underlying() error })
		if !ok {
			break
		}
		err = u.Underlying()
	}
	return "VisionError"
}

func (s *Service) getStream(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	name := ps.ByName("meter")
	cam, ok := s.meterByName(name)
	if !ok {
		writeError(w, http.StatusNotFound, "UnknownMeter", "no such meter %q", name)
		return
	}
	if s.p.StreamProxy == nil {
		writeError(w, http.StatusServiceUnavailable, "StreamUnavailable", "no stream proxy configured")
		return
	}
	body, contentType, err := s.p.StreamProxy(req.Context(), cam.Camera)
	if err != nil {
		writeError(w, http.StatusBadGateway, "CameraError", "%v", err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
		select {
		case <-req.Context().Done():
			return
		default:
		}
	}
}

func (s *Service) getStatus(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.p.Orchestrator.Status())
}

func (s *Service) getStatusUpdates(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteJSON(s.p.Orchestrator.Status()); err != nil {
			log.Printf("cannot write status to websocket: %v", err)
			return
		}
	}
}

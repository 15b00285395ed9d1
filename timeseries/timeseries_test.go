package timeseries_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/meterwatch/metermon/reading"
	"github.com/meterwatch/metermon/timeseries"
)

func openStore(c *qt.C) *timeseries.Store {
	dir := c.Mkdir()
	s, err := timeseries.Open(filepath.Join(dir, "ts.db"), filepath.Join(dir, "logs"))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndQueryLatest(t *testing.T) {
	c := qt.New(t)
	s := openStore(c)

	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r := reading.Reading{
			MeterName: "water_main",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Total:     100 + float64(i),
		}
		c.Assert(s.Append(r), qt.IsNil)
	}

	latest, err := s.QueryLatest("water_main")
	c.Assert(err, qt.IsNil)
	c.Assert(latest, qt.Not(qt.IsNil))
	c.Assert(latest.Total, qt.Equals, 102.0)
}

func TestQueryRangeOrdersOldestFirst(t *testing.T) {
	c := qt.New(t)
	s := openStore(c)

	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r := reading.Reading{
			MeterName: "gas_main",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Total:     float64(i),
		}
		c.Assert(s.Append(r), qt.IsNil)
	}

	got, err := s.QueryRange("gas_main", base.Add(time.Minute), base.Add(3*time.Minute))
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.HasLen, 3)
	c.Assert(got[0].Total, qt.Equals, 1.0)
	c.Assert(got[2].Total, qt.Equals, 3.0)
}

func TestQueryLatestDistinguishesMeters(t *testing.T) {
	c := qt.New(t)
	s := openStore(c)

	ts := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	c.Assert(s.Append(reading.Reading{MeterName: "a", Timestamp: ts, Total: 1}), qt.IsNil)
	c.Assert(s.Append(reading.Reading{MeterName: "b", Timestamp: ts, Total: 2}), qt.IsNil)

	a, err := s.QueryLatest("a")
	c.Assert(err, qt.IsNil)
	c.Assert(a.Total, qt.Equals, 1.0)

	b, err := s.QueryLatest("b")
	c.Assert(err, qt.IsNil)
	c.Assert(b.Total, qt.Equals, 2.0)
}

func TestRetryLoopStopsOnContextDone(t *testing.T) {
	c := qt.New(t)
	s := openStore(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RetryLoop(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RetryLoop did not stop after context cancellation")
	}
}

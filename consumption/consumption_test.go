package consumption_test

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/meterwatch/metermon/consumption"
	"github.com/meterwatch/metermon/reading"
)

type fakeReader struct {
	calls    int
	readings []reading.Reading
}

func (f *fakeReader) QueryRange(meterName string, t0, t1 time.Time) ([]reading.Reading, error) {
	f.calls++
	return f.readings, nil
}

func TestConsumptionBucketsByMaxMinusMin(t *testing.T) {
	c := qt.New(t)
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	r := &fakeReader{readings: []reading.Reading{
		{Timestamp: base, Total: 100},
		{Timestamp: base.Add(20 * time.Minute), Total: 105},
		{Timestamp: base.Add(70 * time.Minute), Total: 112},
		{Timestamp: base.Add(90 * time.Minute), Total: 120},
	}}
	a := consumption.New(r)

	buckets, err := a.Consumption("water_main", base, base.Add(2*time.Hour), time.Hour)
	c.Assert(err, qt.IsNil)
	c.Assert(buckets, qt.HasLen, 2)
	c.Assert(buckets[0].Value, qt.Equals, 5.0)
	c.Assert(buckets[1].Value, qt.Equals, 8.0)
}

func TestConsumptionEmptyBucketIsZero(t *testing.T) {
	c := qt.New(t)
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	r := &fakeReader{}
	a := consumption.New(r)

	buckets, err := a.Consumption("water_main", base, base.Add(time.Hour), time.Hour)
	c.Assert(err, qt.IsNil)
	c.Assert(buckets, qt.HasLen, 1)
	c.Assert(buckets[0].Value, qt.Equals, 0.0)
	c.Assert(buckets[0].Count, qt.Equals, 0)
}

func TestConsumptionCachesRepeatedQuery(t *testing.T) {
	c := qt.New(t)
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	r := &fakeReader{readings: []reading.Reading{
		{Timestamp: base, Total: 10},
		{Timestamp: base.Add(30 * time.Minute), Total: 15},
	}}
	a := consumption.New(r)

	_, err := a.Consumption("water_main", base, base.Add(time.Hour), time.Hour)
	c.Assert(err, qt.IsNil)
	_, err = a.Consumption("water_main", base, base.Add(time.Hour), time.Hour)
	c.Assert(err, qt.IsNil)

	c.Assert(r.calls, qt.Equals, 1)
}

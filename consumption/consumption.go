// Package consumption buckets raw meter readings into equal-width
// time intervals and reports the consumption within each bucket,
// assuming rolling-counter semantics (each reading's Total only ever
// increases between resets).
package consumption

import (
	"sort"
	"sync"
	"time"

	"go4.org/syncutil/singleflight"

	"github.com/meterwatch/metermon/reading"
)

// Bucket is one fixed-width interval's consumption.
type Bucket struct {
	Start time.Time
	End   time.Time
	// Value holds max(total) - min(total) within the bucket, or 0 if
	// the bucket contains no readings.
	Value float64
	Count int
}

// RangeReader supplies the raw readings an Aggregator buckets.
// timeseries.Store satisfies this interface.
type RangeReader interface {
	QueryRange(meterName string, t0, t1 time.Time) ([]reading.Reading, error)
}

type cacheEntry struct {
	computedAt time.Time
	t0, t1     time.Time
	interval   time.Duration
	buckets    []Bucket
}

// Aggregator computes bucketed consumption on demand, caching the
// result per meter for min(interval/4, 5min) to absorb repeated
// browser refreshes of the same range.
type Aggregator struct {
	reader RangeReader
	now    func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New returns an Aggregator reading raw samples from reader.
func New(reader RangeReader) *Aggregator {
	return &Aggregator{
		reader: reader,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Consumption returns the per-bucket consumption for meterName over
// [t0,t1] at the given bucket width.
func (a *Aggregator) Consumption(meterName string, t0, t1 time.Time, interval time.Duration) ([]Bucket, error) {
	key := cacheKey(meterName, t0, t1, interval)
	v, err := a.group.Do(key, func() (interface{}, error) {
		if cached, ok := a.cached(meterName, t0, t1, interval); ok {
			return cached, nil
		}
		buckets, err := a.compute(meterName, t0, t1, interval)
		if err != nil {
			return nil, err
		}
		a.store(meterName, t0, t1, interval, buckets)
		return buckets, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Bucket), nil
}

func (a *Aggregator) cached(meterName string, t0, t1 time.Time, interval time.Duration) ([]Bucket, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.cache[meterName]
	if !ok || !e.t0.Equal(t0) || !e.t1.Equal(t1) || e.interval != interval {
		return nil, false
	}
	if a.now().Sub(e.computedAt) > cacheTTL(interval) {
		return nil, false
	}
	return e.buckets, true
}

func (a *Aggregator) store(meterName string, t0, t1 time.Time, interval time.Duration, buckets []Bucket) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[meterName] = cacheEntry{
		computedAt: a.now(),
		t0:         t0,
		t1:         t1,
		interval:   interval,
		buckets:    buckets,
	}
}

func (a *Aggregator) compute(meterName string, t0, t1 time.Time, interval time.Duration) ([]Bucket, error) {
	readings, err := a.reader.QueryRange(meterName, t0, t1)
	if err != nil {
		return nil, err
	}
	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})

	var buckets []Bucket
	for start := t0; start.Before(t1); start = start.Add(interval) {
		end := start.Add(interval)
		if end.After(t1) {
			end = t1
		}
		buckets = append(buckets, bucketFor(readings, start, end))
	}
	return buckets, nil
}

func bucketFor(readings []reading.Reading, start, end time.Time) Bucket {
	b := Bucket{Start: start, End: end}
	var min, max float64
	have := false
	for _, r := range readings {
		if r.Timestamp.Before(start) || !r.Timestamp.Before(end) {
			continue
		}
		if !have {
			min, max = r.Total, r.Total
			have = true
		} else {
			if r.Total < min {
				min = r.Total
			}
			if r.Total > max {
				max = r.Total
			}
		}
		b.Count++
	}
	if have {
		v := max - min
		if v < 0 {
			v = 0
		}
		b.Value = v
	}
	return b
}

func cacheTTL(interval time.Duration) time.Duration {
	quarter := interval / 4
	if quarter > 5*time.Minute {
		return 5 * time.Minute
	}
	return quarter
}

func cacheKey(meterName string, t0, t1 time.Time, interval time.Duration) string {
	return meterName + "|" + t0.UTC().Format(time.RFC3339) + "|" + t1.UTC().Format(time.RFC3339) + "|" + interval.String()
}

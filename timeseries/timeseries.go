// Package timeseries persists Readings to a primary boltdb-backed
// index and an append-only JSONL audit log. The JSONL log is the
// authoritative trail; the boltdb store is an index/performance layer
// that a background retry loop keeps in sync when primary writes fail.
package timeseries

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/juju/loggo"
	"gopkg.in/errgo.v1"

	"github.com/meterwatch/metermon/internal/timeseriespb"
	"github.com/meterwatch/metermon/reading"
)

// DefaultRetryInterval is how often RetryLoop replays queued writes
// when the caller doesn't specify one.
const DefaultRetryInterval = 1 * time.Minute

var logger = loggo.GetLogger("metermon.timeseries")

var (
	readingBucket = []byte("reading")
	meterBucket   = []byte("meter")
)

var meterKey = []byte{0}

// WriteError reports that a reading could not be written to the
// primary store. The JSONL audit append is unaffected by this error;
// it happens unconditionally.
type WriteError struct {
	MeterName string
	Err       error
}

func (e *WriteError) Error() string {
	return "cannot write reading for " + e.MeterName + " to primary store: " + e.Err.Error()
}

func (e *WriteError) Unwrap() error { return e.Err }

// Store is the TimeSeriesWriter: a boltdb primary index plus a
// per-meter JSONL audit log directory.
type Store struct {
	db   *bolt.DB
	mu   sync.Mutex
	mtrs []string

	audit *auditLog
	retry *retryQueue
}

// Open opens (creating if absent) the boltdb file at dbPath and the
// JSONL audit log directory at logDir.
func Open(dbPath, logDir string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0666, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errgo.Notef(err, "cannot open time-series store %q", dbPath)
	}
	s := &Store{db: db}
	if err := db.Update(s.init); err != nil {
		db.Close()
		return nil, errgo.Mask(err)
	}
	audit, err := openAuditLog(logDir)
	if err != nil {
		db.Close()
		return nil, errgo.Mask(err)
	}
	s.audit = audit
	retry, err := openRetryQueue(logDir)
	if err != nil {
		db.Close()
		return nil, errgo.Mask(err)
	}
	s.retry = retry
	return s, nil
}

func (s *Store) init(tx *bolt.Tx) error {
	if _, err := tx.CreateBucketIfNotExists(readingBucket); err != nil {
		return errgo.Mask(err)
	}
	b, err := tx.CreateBucket(meterBucket)
	if err != nil {
		if err != bolt.ErrBucketExists {
			return errgo.Mask(err)
		}
		mtrs, err := s.loadMeters(tx)
		if err != nil {
			return errgo.Mask(err)
		}
		s.mtrs = mtrs
		return nil
	}
	_ = b
	return nil
}

// Close closes the store's boltdb handle and audit log file.
func (s *Store) Close() error {
	if err := s.audit.close(); err != nil {
		logger.Warningf("closing audit log: %v", err)
	}
	return errgo.Mask(s.db.Close())
}

// Append attempts the primary boltdb write, then unconditionally
// appends a JSONL line to the audit log recording whether that write
// succeeded. On primary-write failure the reading is queued for the
// background retry loop and Append returns a *WriteError; the audit
// line has already been written either way.
func (s *Store) Append(r reading.Reading) error {
	primaryErr := s.writePrimary(r)
	failed := primaryErr != nil

	if err := s.audit.append(r, failed); err != nil {
		return errgo.Notef(err, "cannot append to audit log for %s", r.MeterName)
	}
	if failed {
		logger.Warningf("primary write failed for %s at %s, queued for retry: %v", r.MeterName, r.Timestamp, primaryErr)
		if err := s.retry.enqueue(r); err != nil {
			logger.Errorf("cannot queue %s for retry: %v", r.MeterName, err)
		}
		return &WriteError{MeterName: r.MeterName, Err: primaryErr}
	}
	return nil
}

// RetryLoop periodically replays queued failed writes until ctx is
// done, logging how many succeeded each pass. Grounded on the
// poll-and-update pattern of a background reconciliation worker.
func (s *Store) RetryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		ok, remaining, err := s.retry.drain(s.writePrimary)
		if err != nil {
			logger.Errorf("retry loop: %v", err)
			continue
		}
		if ok > 0 || remaining > 0 {
			logger.Infof("retry loop: %d succeeded, %d still queued", ok, remaining)
		}
	}
}

func (s *Store) writePrimary(r reading.Reading) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, err := s.meterID(tx, r.MeterName)
		if err != nil {
			return errgo.Mask(err)
		}
		key := recordKey(r.Timestamp, id)
		rec := toRecord(r, id)
		val, err := rec.MarshalBinary()
		if err != nil {
			return errgo.Notef(err, "cannot marshal reading record")
		}
		return tx.Bucket(readingBucket).Put(key, val)
	})
}

// QueryLatest returns the most recent Reading for meterName, or nil
// if none exists.
func (s *Store) QueryLatest(meterName string) (*reading.Reading, error) {
	var result *reading.Reading
	err := s.db.View(func(tx *bolt.Tx) error {
		s.mu.Lock()
		id, ok := s.indexOf(meterName)
		s.mu.Unlock()
		if !ok {
			return nil
		}
		c := tx.Bucket(readingBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if len(k) < 9 || k[8] != id {
				continue
			}
			r, err := fromRecordBytes(v, meterName)
			if err != nil {
				return errgo.Mask(err)
			}
			result = &r
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, errgo.Mask(err)
	}
	return result, nil
}

// QueryRange returns every Reading for meterName with timestamp in
// [t0, t1], ordered oldest first.
func (s *Store) QueryRange(meterName string, t0, t1 time.Time) ([]reading.Reading, error) {
	var out []reading.Reading
	err := s.db.View(func(tx *bolt.Tx) error {
		s.mu.Lock()
		id, ok := s.indexOf(meterName)
		s.mu.Unlock()
		if !ok {
			return nil
		}
		c := tx.Bucket(readingBucket).Cursor()
		start := recordKey(t0, 0)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			ts := keyTime(k)
			if ts.After(t1) {
				break
			}
			if len(k) < 9 || k[8] != id {
				continue
			}
			r, err := fromRecordBytes(v, meterName)
			if err != nil {
				return errgo.Mask(err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, errgo.Mask(err)
	}
	return out, nil
}

func (s *Store) indexOf(name string) (byte, bool) {
	for i, m := range s.mtrs {
		if m == name {
			return byte(i), true
		}
	}
	return 0, false
}

func (s *Store) meterID(tx *bolt.Tx, name string) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.mtrs {
		if m == name {
			return byte(i), nil
		}
	}
	if len(s.mtrs) >= 254 {
		return 0, errgo.Newf("too many distinct meter names for the time-series store's 1-byte id")
	}
	s.mtrs = append(s.mtrs, name)
	rec := &timeseriespb.MeterRecord{}
	for _, m := range s.mtrs {
		rec.Meters = append(rec.Meters, &timeseriespb.MeterInfo{Name: m})
	}
	data, err := rec.MarshalBinary()
	if err != nil {
		return 0, errgo.Notef(err, "cannot marshal meter record")
	}
	if err := tx.Bucket(meterBucket).Put(meterKey, data); err != nil {
		return 0, errgo.Notef(err, "cannot store meter record")
	}
	return byte(len(s.mtrs) - 1), nil
}

func (s *Store) loadMeters(tx *bolt.Tx) ([]string, error) {
	data := tx.Bucket(meterBucket).Get(meterKey)
	if data == nil {
		return nil, nil
	}
	var rec timeseriespb.MeterRecord
	if err := rec.UnmarshalBinary(data); err != nil {
		return nil, errgo.Notef(err, "cannot unmarshal meter record")
	}
	names := make([]string, len(rec.Meters))
	for i, m := range rec.Meters {
		names[i] = m.Name
	}
	return names, nil
}

func recordKey(t time.Time, meterID byte) []byte {
	k := make([]byte, 9)
	binary.BigEndian.PutUint64(k, timeToStamp(t))
	k[8] = meterID
	return k
}

func keyTime(k []byte) time.Time {
	return stampToTime(binary.BigEndian.Uint64(k[:8]))
}

func timeToStamp(t time.Time) uint64 {
	return uint64(t.Round(time.Millisecond).UnixNano() / int64(time.Millisecond))
}

func stampToTime(ms uint64) time.Time {
	return time.Unix(0, int64(ms)*int64(time.Millisecond)).UTC()
}

func toRecord(r reading.Reading, meterID byte) *timeseriespb.ReadingRecord {
	rec := &timeseriespb.ReadingRecord{
		Timestamp:       timeToStamp(r.Timestamp),
		MeterId:         uint32(meterID),
		Total:           r.Total,
		HasComponents:   r.HasComponents,
		DigitalInt:      int32(r.DigitalInt),
		DialFraction:    r.DialFraction,
		DialAngleDeg:    r.DialAngleDeg,
		Confidence:      string(r.Confidence),
		VisionModel:     r.VisionModel,
		VisionProvider:  r.VisionProvider,
		PromptProfile:   r.PromptProfile,
		Notes:           r.Notes,
		Warnings:        r.Warnings,
		SnapshotRef:     r.SnapshotRef,
		RawResponseRef:  r.RawResponseRef,
		ReprocessedFrom: r.ReprocessedFrom,
	}
	if r.ConfidenceNumeric != nil {
		rec.HasConfidenceNum = true
		rec.ConfidenceNumeric = *r.ConfidenceNumeric
	}
	return rec
}

func fromRecordBytes(v []byte, meterName string) (reading.Reading, error) {
	var rec timeseriespb.ReadingRecord
	if err := rec.UnmarshalBinary(v); err != nil {
		return reading.Reading{}, errgo.Notef(err, "cannot unmarshal reading record")
	}
	r := reading.Reading{
		MeterName:       meterName,
		Timestamp:       stampToTime(rec.Timestamp),
		Total:           rec.Total,
		HasComponents:   rec.HasComponents,
		DigitalInt:      int(rec.DigitalInt),
		DialFraction:    rec.DialFraction,
		DialAngleDeg:    rec.DialAngleDeg,
		Confidence:      reading.Confidence(rec.Confidence),
		VisionModel:     rec.VisionModel,
		VisionProvider:  rec.VisionProvider,
		PromptProfile:   rec.PromptProfile,
		Notes:           rec.Notes,
		Warnings:        rec.Warnings,
		SnapshotRef:     rec.SnapshotRef,
		RawResponseRef:  rec.RawResponseRef,
		ReprocessedFrom: rec.ReprocessedFrom,
	}
	if rec.HasConfidenceNum {
		v := rec.ConfidenceNumeric
		r.ConfidenceNumeric = &v
	}
	return r, nil
}

package timeseries

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/errgo.v1"

	"github.com/meterwatch/metermon/reading"
)

// retryQueue persists readings whose primary-store write failed, so
// RetryLoop can replay them even across a restart. It's a small file
// holding one JSON array, rewritten wholesale on each enqueue and
// drain, which is fine at the scale of "writes the primary store
// occasionally rejects".
type retryQueue struct {
	path string
	mu   sync.Mutex
}

func openRetryQueue(dir string) (*retryQueue, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errgo.Notef(err, "cannot create retry queue directory %q", dir)
	}
	return &retryQueue{path: filepath.Join(dir, "retry_queue.jsonl")}, nil
}

func (q *retryQueue) enqueue(r reading.Reading) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending, err := q.loadLocked()
	if err != nil {
		return err
	}
	pending = append(pending, r)
	return q.saveLocked(pending)
}

// drain attempts write for every queued reading, in order, via
// writeOne. Readings that still fail remain queued, in their original
// order, for the next drain.
func (q *retryQueue) drain(writeOne func(reading.Reading) error) (succeeded, remaining int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending, err := q.loadLocked()
	if err != nil {
		return 0, 0, err
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}
	var stillFailing []reading.Reading
	for _, r := range pending {
		if werr := writeOne(r); werr != nil {
			stillFailing = append(stillFailing, r)
			continue
		}
		succeeded++
	}
	if err := q.saveLocked(stillFailing); err != nil {
		return succeeded, len(stillFailing), err
	}
	return succeeded, len(stillFailing), nil
}

func (q *retryQueue) loadLocked() ([]reading.Reading, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errgo.Notef(err, "cannot read retry queue %q", q.path)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out []reading.Reading
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errgo.Notef(err, "cannot parse retry queue %q", q.path)
	}
	return out, nil
}

func (q *retryQueue) saveLocked(pending []reading.Reading) error {
	if len(pending) == 0 {
		pending = []reading.Reading{}
	}
	buf, err := json.Marshal(pending)
	if err != nil {
		return errgo.Notef(err, "cannot marshal retry queue")
	}
	return atomicWriteFile(q.path, buf)
}

func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

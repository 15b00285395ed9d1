package timeseries

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/errgo.v1"

	"github.com/meterwatch/metermon/reading"
)

// auditSchemaVersion is the schema_version stamped on every audit
// record, bumped whenever the JSONL line shape changes incompatibly.
const auditSchemaVersion = 1

// auditRecord is the JSONL line shape: a Reading plus a flag marking
// whether the write to the time-series store itself failed.
type auditRecord struct {
	reading.Reading
	TSWriteFailed bool `json:"ts_write_failed,omitempty"`
	SchemaVersion int  `json:"schema_version"`
}

// auditLog appends one JSON line per reading to logs/<meter>_readings.jsonl,
// opening a new file handle per meter on first use and keeping it open
// in append mode for the life of the process.
type auditLog struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

func openAuditLog(dir string) (*auditLog, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errgo.Notef(err, "cannot create audit log directory %q", dir)
	}
	return &auditLog{dir: dir, files: make(map[string]*os.File)}, nil
}

func (a *auditLog) fileFor(meterName string) (*os.File, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.files[meterName]; ok {
		return f, nil
	}
	path := filepath.Join(a.dir, meterName+"_readings.jsonl")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_SYNC, 0666)
	if err != nil {
		return nil, errgo.Notef(err, "cannot open audit log %q", path)
	}
	a.files[meterName] = f
	return f, nil
}

// append writes one JSONL line for r, with the ts_write_failed flag
// set according to whether the primary store write succeeded.
func (a *auditLog) append(r reading.Reading, failed bool) error {
	f, err := a.fileFor(r.MeterName)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, err := json.Marshal(auditRecord{Reading: r, TSWriteFailed: failed, SchemaVersion: auditSchemaVersion})
	if err != nil {
		return errgo.Notef(err, "cannot marshal audit record")
	}
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return errgo.Notef(err, "cannot append audit record")
	}
	return nil
}

func (a *auditLog) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, f := range a.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readJSONL returns every audit record in the JSONL file at path, in
// file order, skipping lines that do not parse. Nothing in this
// package calls it: queries are answered from the bolt index, while
// the log is authoritative for durability.
func readJSONL(path string) ([]auditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []auditRecord
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 64*1024), 1<<20)
	for scan.Scan() {
		var rec auditRecord
		if err := json.Unmarshal(scan.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, scan.Err()
}

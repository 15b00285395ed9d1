// Package snapshotarchive stores captured images and their JSON
// sidecar metadata on disk, content-addressed by meter name and
// capture timestamp, with atomic writes and age/count-based
// retention.
package snapshotarchive

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/loggo"
	"gopkg.in/errgo.v1"

	"github.com/meterwatch/metermon/reading"
)

var logger = loggo.GetLogger("metermon.snapshotarchive")

const timestampFormat = "20060102T150405Z"

// Ref identifies one archived snapshot.
type Ref struct {
	ID          string
	MeterName   string
	ImagePath   string
	SidecarPath string
}

// Sidecar is the JSON document written alongside each archived image:
// the Reading that was derived from it, plus image provenance.
type Sidecar struct {
	reading.Reading
	ImageSize       int    `json:"image_size"`
	ImageHashSHA256 string `json:"image_hash_sha256"`
	CameraEndpoint  string `json:"camera_endpoint"`
}

// Retention bounds how long and how many snapshots are kept per
// meter; the oldest are pruned first once either limit is exceeded.
type Retention struct {
	MaxAge   time.Duration
	MaxCount int
}

// Archive is a directory-backed SnapshotArchive.
type Archive struct {
	rootDir   string
	retention Retention
}

// Open returns an Archive rooted at rootDir, creating it if absent,
// and garbage-collects any orphaned ".tmp" files left behind by a
// crash mid-write.
func Open(rootDir string, retention Retention) (*Archive, error) {
	if err := os.MkdirAll(rootDir, 0777); err != nil {
		return nil, errgo.Notef(err, "cannot create snapshot archive root %q", rootDir)
	}
	a := &Archive{rootDir: rootDir, retention: retention}
	if err := a.gcOrphanedTemps(); err != nil {
		logger.Warningf("snapshot archive startup GC: %v", err)
	}
	return a, nil
}

func (a *Archive) meterDir(meterName string) string {
	return filepath.Join(a.rootDir, meterName)
}

// MakeID builds the collision-free snapshot id for a meter capture at
// ts (one capture per meter per second is the system's own cap).
func MakeID(meterName string, ts time.Time) string {
	return fmt.Sprintf("%s_%s", meterName, ts.UTC().Format(timestampFormat))
}

// Put archives image, along with a sidecar mirroring r plus image
// provenance, returning the Ref that locates it.
func (a *Archive) Put(meterName string, image []byte, r reading.Reading, cameraEndpoint, imageHashSHA256 string) (Ref, error) {
	dir := a.meterDir(meterName)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return Ref{}, errgo.Notef(err, "cannot create meter directory %q", dir)
	}
	id := MakeID(meterName, r.Timestamp)
	imagePath := filepath.Join(dir, id+".jpg")
	sidecarPath := filepath.Join(dir, id+".json")

	if err := atomicWriteFile(imagePath, image); err != nil {
		return Ref{}, errgo.Notef(err, "cannot write snapshot image")
	}
	sidecar := Sidecar{
		Reading:         r,
		ImageSize:       len(image),
		ImageHashSHA256: imageHashSHA256,
		CameraEndpoint:  cameraEndpoint,
	}
	buf, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return Ref{}, errgo.Notef(err, "cannot marshal sidecar")
	}
	if err := atomicWriteFile(sidecarPath, buf); err != nil {
		return Ref{}, errgo.Notef(err, "cannot write snapshot sidecar")
	}
	return Ref{ID: id, MeterName: meterName, ImagePath: imagePath, SidecarPath: sidecarPath}, nil
}

// GetImage returns the archived image bytes for ref. A Ref carrying
// only ID and MeterName is resolved to its path within the archive.
func (a *Archive) GetImage(ref Ref) ([]byte, error) {
	path := ref.ImagePath
	if path == "" {
		path = filepath.Join(a.meterDir(ref.MeterName), ref.ID+".jpg")
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errgo.Notef(err, "cannot read snapshot image %q", path)
	}
	return b, nil
}

// GetSidecar returns the archived sidecar for ref. A Ref carrying only
// ID and MeterName is resolved to its path within the archive.
func (a *Archive) GetSidecar(ref Ref) (Sidecar, error) {
	path := ref.SidecarPath
	if path == "" {
		path = filepath.Join(a.meterDir(ref.MeterName), ref.ID+".json")
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return Sidecar{}, errgo.Notef(err, "cannot read snapshot sidecar %q", path)
	}
	var s Sidecar
	if err := json.Unmarshal(b, &s); err != nil {
		return Sidecar{}, errgo.Notef(err, "cannot parse snapshot sidecar %q", path)
	}
	return s, nil
}

// List returns up to limit Refs for meterName, newest first, starting
// strictly before beforeID if non-empty.
func (a *Archive) List(meterName string, limit int, beforeID string) ([]Ref, error) {
	dir := a.meterDir(meterName)
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errgo.Notef(err, "cannot list snapshot directory %q", dir)
	}
	ids := make([]string, 0, len(infos)/2)
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(info.Name(), ".json"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	var refs []Ref
	for _, id := range ids {
		if beforeID != "" && id >= beforeID {
			continue
		}
		refs = append(refs, Ref{
			ID:          id,
			MeterName:   meterName,
			ImagePath:   filepath.Join(dir, id+".jpg"),
			SidecarPath: filepath.Join(dir, id+".json"),
		})
		if limit > 0 && len(refs) >= limit {
			break
		}
	}
	return refs, nil
}

// Prune removes snapshots older than the configured MaxAge or beyond
// MaxCount, oldest first, for meterName.
func (a *Archive) Prune(meterName string) error {
	refs, err := a.List(meterName, 0, "")
	if err != nil {
		return err
	}
	cutoff := time.Time{}
	if a.retention.MaxAge > 0 {
		cutoff = time.Now().Add(-a.retention.MaxAge)
	}
	for i, ref := range refs {
		tooOld := false
		if !cutoff.IsZero() {
			if ts, err := idTimestamp(ref.ID); err == nil {
				tooOld = ts.Before(cutoff)
			}
		}
		tooMany := a.retention.MaxCount > 0 && i >= a.retention.MaxCount
		if tooOld || tooMany {
			if err := os.Remove(ref.ImagePath); err != nil && !os.IsNotExist(err) {
				logger.Warningf("pruning %q: %v", ref.ImagePath, err)
			}
			if err := os.Remove(ref.SidecarPath); err != nil && !os.IsNotExist(err) {
				logger.Warningf("pruning %q: %v", ref.SidecarPath, err)
			}
		}
	}
	return nil
}

func idTimestamp(id string) (time.Time, error) {
	i := strings.LastIndex(id, "_")
	if i < 0 {
		return time.Time{}, errgo.Newf("malformed snapshot id %q", id)
	}
	return time.Parse(timestampFormat, id[i+1:])
}

// gcOrphanedTemps removes leftover *.tmp files from a crash during
// atomicWriteFile, across every meter subdirectory.
func (a *Archive) gcOrphanedTemps() error {
	entries, err := ioutil.ReadDir(a.rootDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(a.rootDir, e.Name())
		files, err := ioutil.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if strings.HasSuffix(f.Name(), ".tmp") {
				path := filepath.Join(dir, f.Name())
				logger.Infof("removing orphaned temp file %q", path)
				os.Remove(path)
			}
		}
	}
	return nil
}

// atomicWriteFile writes data to path by writing to a sibling .tmp
// file, fsyncing it, then renaming it into place, so a crash never
// leaves a partially-written snapshot.
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

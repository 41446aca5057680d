// Package store persists diagnostics next to each other in one directory:
// finalized utterances, call summaries and captured audio. Every record is a
// JSON sidecar keyed by correlation id; audio lives in a paired WAV.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/clara-voice-lab/internal/audio"
	"github.com/clara-voice-lab/internal/logging"
)

var ErrNotFound = errors.New("store: record not found")

// Store is a no-op when nil so callers can pass it through unconditionally.
type Store struct {
	Dir string
	// Locking takes an advisory flock around read-modify-write updates, for
	// directories shared with other processes.
	Locking bool
	// FileMode applies to every record and WAV; zero means 0644.
	FileMode os.FileMode

	mu  sync.Mutex
	now func() time.Time
}

// New returns nil when dir is blank.
func New(dir string) *Store {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &Store{Dir: dir, now: time.Now}
}

func (s *Store) stamp() string {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	return now().UTC().Format("20060102T150405.000Z")
}

func (s *Store) path(kind, cid, ext string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%s_cid%s%s", s.stamp(), kind, cid, ext))
}

// Put writes fields as a new sidecar for cid. The correlation_id and kind
// keys are always set.
func (s *Store) Put(kind, cid string, fields map[string]interface{}) (string, error) {
	if s == nil {
		return "", nil
	}
	rec := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		rec[k] = v
	}
	rec["correlation_id"] = cid
	rec["kind"] = kind
	rec["saved_utc"] = time.Now().UTC().Format(time.RFC3339Nano)
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("store: marshal %s: %w", kind, err)
	}
	path := s.path(kind, cid, ".json")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeFile(path, b); err != nil {
		logging.Warnw("store: write failed", "path", path, "err", err, "correlation_id", cid)
		return "", err
	}
	logging.Debugw("store: saved record", "path", path, "kind", kind, "correlation_id", cid)
	return path, nil
}

// PutWAV saves PCM16 audio for cid with a sidecar pointing at it.
func (s *Store) PutWAV(kind, cid string, pcm []byte, sampleRate, channels int, fields map[string]interface{}) (string, error) {
	if s == nil {
		return "", nil
	}
	wavPath := s.path(kind, cid, ".wav")
	if err := s.writeFile(wavPath, audio.WAV(pcm, sampleRate, channels)); err != nil {
		logging.Warnw("store: wav write failed", "path", wavPath, "err", err, "correlation_id", cid)
		return "", err
	}
	meta := map[string]interface{}{
		"wav_path":    wavPath,
		"sample_rate": sampleRate,
		"channels":    channels,
		"bytes":       len(pcm),
	}
	for k, v := range fields {
		meta[k] = v
	}
	if _, err := s.Put(kind, cid, meta); err != nil {
		return wavPath, err
	}
	return wavPath, nil
}

// Find returns the sidecar path for cid, or "" when none exists.
func (s *Store) Find(cid string) string {
	if s == nil || cid == "" {
		return ""
	}
	files, err := os.ReadDir(s.Dir)
	if err != nil {
		logging.Warnw("store: failed to list dir", "dir", s.Dir, "err", err)
		return ""
	}
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.Dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			logging.Debugw("store: failed to read file while searching by cid", "path", path, "err", err, "correlation_id", cid)
			continue
		}
		var rec map[string]interface{}
		if json.Unmarshal(b, &rec) == nil {
			if v, ok := rec["correlation_id"].(string); ok && v == cid {
				return path
			}
		}
	}
	for _, fi := range files {
		if name := fi.Name(); strings.Contains(name, "cid"+cid) && strings.HasSuffix(name, ".json") {
			return filepath.Join(s.Dir, name)
		}
	}
	return ""
}

// Merge applies updates to the sidecar for cid and rewrites it atomically.
func (s *Store) Merge(cid string, updates map[string]interface{}) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.Find(cid)
	if path == "" {
		return fmt.Errorf("%w: cid=%s", ErrNotFound, cid)
	}
	if s.Locking {
		unlock, err := lockFile(path+".lock", s.fileMode())
		if err != nil {
			logging.Warnw("store: lock failed", "path", path, "err", err, "correlation_id", cid)
			return err
		}
		defer unlock()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("store: read %s: %w", path, err)
	}
	var rec map[string]interface{}
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("store: invalid JSON %s: %w", path, err)
	}
	for k, v := range updates {
		rec[k] = v
	}
	nb, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	if err := s.writeFile(path, nb); err != nil {
		return err
	}
	logging.Debugw("store: merged updates", "path", path, "correlation_id", cid)
	return nil
}

func lockFile(path string, mode os.FileMode) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, mode)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

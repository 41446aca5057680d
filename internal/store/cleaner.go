package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/logging"
)

// StartCleaner periodically removes sidecars (and their WAVs) older than
// retention and keeps at most maxFiles records. Caller must wg.Add(1) first.
func (s *Store) StartCleaner(ctx context.Context, wg *sync.WaitGroup, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		if s == nil {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Clean(retention, maxFiles); n > 0 {
					logging.Infow("store: cleaned records", "removed", n, "dir", s.Dir)
				}
			}
		}
	}()
}

type record struct {
	jsonPath string
	wavPath  string
	mod      time.Time
}

// Clean runs one retention pass and returns how many records were removed.
func (s *Store) Clean(retention time.Duration, maxFiles int) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := os.ReadDir(s.Dir)
	if err != nil {
		logging.Debugw("store: cleanup readDir failed", "err", err)
		return 0
	}
	var recs []record
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(s.Dir, name)
		st, err := os.Stat(jsonPath)
		if err != nil {
			continue
		}
		r := record{jsonPath: jsonPath, mod: st.ModTime()}
		if b, err := os.ReadFile(jsonPath); err == nil {
			var rec map[string]interface{}
			if json.Unmarshal(b, &rec) == nil {
				if v, ok := rec["wav_path"].(string); ok {
					r.wavPath = v
				}
			}
		}
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].mod.Before(recs[j].mod) })

	remove := func(r record) {
		_ = os.Remove(r.jsonPath)
		if r.wavPath != "" {
			_ = os.Remove(r.wavPath)
		}
	}
	removed := 0
	cutoff := time.Now().Add(-retention)
	var kept []record
	for _, r := range recs {
		if retention > 0 && r.mod.Before(cutoff) {
			remove(r)
			removed++
			continue
		}
		kept = append(kept, r)
	}
	if maxFiles > 0 && len(kept) > maxFiles {
		for _, r := range kept[:len(kept)-maxFiles] {
			remove(r)
			removed++
		}
	}
	return removed
}

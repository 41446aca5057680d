package voice

import (
	"strings"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/channel"
	"github.com/clara-voice-lab/internal/lang"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/clara-voice-lab/internal/store"
	"github.com/google/uuid"
)

// Utterance is one speaker's text for a turn. It grows by delta merges
// until finalized; after that it never changes.
type Utterance struct {
	ID         string
	Speaker    channel.Speaker
	Text       string
	Final      bool
	Lang       string
	Confidence float64
	StartedAt  time.Time
	FinalAt    time.Time
}

// MergeDelta folds an incremental transcript into the accumulated text.
// Deltas that repeat the text so far replace it; anything else is appended,
// with a space when neither side supplies one.
func MergeDelta(prev, next string) string {
	switch {
	case prev == "":
		return next
	case next == "":
		return prev
	case strings.HasPrefix(next, prev):
		return next
	}
	if strings.HasSuffix(prev, " ") || strings.HasPrefix(next, " ") {
		return prev + next
	}
	return prev + " " + next
}

// Transcript accumulates the open utterance for each speaker and keeps the
// append-only log of finalized ones.
type Transcript struct {
	detector lang.Detector
	store    *store.Store
	now      func() time.Time

	mu      sync.Mutex
	pending map[channel.Speaker]*Utterance
	log     []Utterance
}

func NewTranscript(detector lang.Detector, st *store.Store) *Transcript {
	return &Transcript{
		detector: detector,
		store:    st,
		now:      time.Now,
		pending:  make(map[channel.Speaker]*Utterance),
	}
}

// Append merges a delta into the speaker's open utterance and returns a
// copy of it.
func (t *Transcript) Append(speaker channel.Speaker, delta string) Utterance {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.pending[speaker]
	if !ok {
		u = &Utterance{ID: uuid.NewString(), Speaker: speaker, StartedAt: t.now()}
		t.pending[speaker] = u
	}
	u.Text = MergeDelta(u.Text, delta)
	return *u
}

// Pending returns the open text for a speaker.
func (t *Transcript) Pending(speaker channel.Speaker) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.pending[speaker]; ok {
		return u.Text
	}
	return ""
}

// Finalize closes the open utterances, user first, and appends them to the
// log. prevLang seeds language detection for each utterance.
func (t *Transcript) Finalize(prevLang string) []Utterance {
	t.mu.Lock()
	var done []Utterance
	for _, sp := range []channel.Speaker{channel.SpeakerUser, channel.SpeakerAgent} {
		u, ok := t.pending[sp]
		if !ok {
			continue
		}
		delete(t.pending, sp)
		u.Text = strings.TrimSpace(u.Text)
		if u.Text == "" {
			continue
		}
		est := t.detector.Analyze(u.Text, prevLang, prevLang)
		u.Lang, u.Confidence = est.Lang, est.Confidence
		u.Final = true
		u.FinalAt = t.now()
		t.log = append(t.log, *u)
		done = append(done, *u)
	}
	t.mu.Unlock()

	for _, u := range done {
		logging.Debugw("transcript: utterance final", "correlation_id", u.ID, "speaker", string(u.Speaker), "lang", u.Lang, "chars", len(u.Text))
		if _, err := t.store.Put("utterance", u.ID, map[string]interface{}{
			"speaker":    string(u.Speaker),
			"text":       u.Text,
			"lang":       u.Lang,
			"confidence": u.Confidence,
			"started":    u.StartedAt.UTC().Format(time.RFC3339Nano),
			"final":      u.FinalAt.UTC().Format(time.RFC3339Nano),
		}); err != nil {
			logging.Warnw("transcript: persist failed", "correlation_id", u.ID, "err", err)
		}
	}
	return done
}

// Log returns a copy of all finalized utterances in order.
func (t *Transcript) Log() []Utterance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Utterance(nil), t.log...)
}

// Package device connects the audio pipeline to local hardware through
// external processes, and provides the wall-clock output timeline the
// remote scheduler places sources on.
package device

import (
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/audio"
	"github.com/clara-voice-lab/internal/logging"
)

// Sink receives PCM16LE bytes in playback order.
type Sink interface {
	Write(pcm []byte) error
	// Reset discards anything buffered but not yet heard.
	Reset() error
	Close() error
}

// Timeline is an output clock measured from its creation. Sources started
// on it are written to the sink when their start time arrives and reported
// ended once their duration has elapsed.
type Timeline struct {
	sink  Sink
	now   func() time.Time
	epoch time.Time

	mu      sync.Mutex
	playing int
}

func NewTimeline(sink Sink) *Timeline {
	if sink == nil {
		sink = DiscardSink{}
	}
	t := &Timeline{sink: sink, now: time.Now}
	t.epoch = t.now()
	return t
}

// Now is the time elapsed on the output clock.
func (t *Timeline) Now() time.Duration { return t.now().Sub(t.epoch) }

// Start schedules buf at the given clock time. The returned stop func
// cancels the source; onEnded is not called for stopped sources.
func (t *Timeline) Start(buf audio.Buffer, at time.Duration, onEnded func()) (func(), error) {
	delay := at - t.Now()
	if delay < 0 {
		delay = 0
	}
	pcm := buf.Bytes()

	var (
		mu      sync.Mutex
		started bool
		stopped bool
	)
	begin := time.AfterFunc(delay, func() {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		started = true
		mu.Unlock()
		t.mu.Lock()
		t.playing++
		t.mu.Unlock()
		if err := t.sink.Write(pcm); err != nil {
			logging.Warnw("timeline: sink write failed", "err", err, "bytes", len(pcm))
		}
	})
	end := time.AfterFunc(delay+buf.Duration(), func() {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		stopped = true
		wasStarted := started
		mu.Unlock()
		if wasStarted {
			t.mu.Lock()
			t.playing--
			t.mu.Unlock()
		}
		if onEnded != nil {
			onEnded()
		}
	})

	stop := func() {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		stopped = true
		wasStarted := started
		mu.Unlock()
		begin.Stop()
		end.Stop()
		if wasStarted {
			t.mu.Lock()
			t.playing--
			t.mu.Unlock()
			if err := t.sink.Reset(); err != nil {
				logging.Warnw("timeline: sink reset failed", "err", err)
			}
		}
	}
	return stop, nil
}

// Playing reports how many sources are audible right now.
func (t *Timeline) Playing() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing
}

func (t *Timeline) Close() error { return t.sink.Close() }

// DiscardSink drops audio. Used when no player is configured.
type DiscardSink struct{}

func (DiscardSink) Write([]byte) error { return nil }
func (DiscardSink) Reset() error       { return nil }
func (DiscardSink) Close() error       { return nil }

package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/audio"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/clara-voice-lab/internal/metrics"
)

// DefaultEpsilon keeps a freshly scheduled source just ahead of the output
// clock.
const DefaultEpsilon = 10 * time.Millisecond

// Output is the device timeline remote audio is placed on. onEnded runs on
// another goroutine, never from inside Start, and never for a stopped source.
type Output interface {
	Now() time.Duration
	Start(buf audio.Buffer, at time.Duration, onEnded func()) (stop func(), err error)
}

// ScheduledSource is a decoded chunk bound to its slot on the timeline.
type ScheduledSource struct {
	Seq      uint64
	Start    time.Duration
	End      time.Duration
	Duration time.Duration
}

// SchedulerSnapshot is a read-only view for routing decisions and
// diagnostics.
type SchedulerSnapshot struct {
	NextStart    time.Duration
	Now          time.Duration
	Active       int
	TurnComplete bool
	LastDuration time.Duration
}

// Scheduler plays remote chunks back to back in arrival order. It is the
// only writer of the output timeline.
type Scheduler struct {
	out     Output
	dec     audio.Decoder
	metrics *metrics.Collector
	epsilon time.Duration
	onIdle  func()

	mu           sync.Mutex
	nextStart    time.Duration
	active       map[uint64]func()
	seq          uint64
	turnComplete bool
	lastDuration time.Duration
	watchers     map[*Countdown]struct{}
}

type SchedulerOption func(*Scheduler)

func WithEpsilon(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.epsilon = d }
}

// WithIdleCallback registers fn to run once each completed turn has
// finished playing.
func WithIdleCallback(fn func()) SchedulerOption {
	return func(s *Scheduler) { s.onIdle = fn }
}

func WithSchedulerMetrics(m *metrics.Collector) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(out Output, dec audio.Decoder, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:      out,
		dec:      dec,
		epsilon:  DefaultEpsilon,
		active:   make(map[uint64]func()),
		watchers: make(map[*Countdown]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule decodes c and places it at max(nextStart, now+epsilon). A chunk
// that fails to decode is reported and nothing is scheduled.
func (s *Scheduler) Schedule(c audio.Chunk) (ScheduledSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := s.dec.Decode(c)
	if err != nil {
		s.metrics.DecodeError()
		logging.Warnw("scheduler: decode failed", "err", err, "mime", c.MIMEType, "bytes", len(c.Data))
		return ScheduledSource{}, fmt.Errorf("decode chunk: %w", err)
	}
	if s.turnComplete {
		// First chunk of a new turn.
		s.turnComplete = false
	}

	now := s.out.Now()
	start := s.nextStart
	if floor := now + s.epsilon; start < floor {
		start = floor
	}
	dur := buf.Duration()
	s.seq++
	seq := s.seq
	stop, err := s.out.Start(buf, start, func() { s.sourceEnded(seq) })
	if err != nil {
		logging.Warnw("scheduler: output start failed", "err", err, "chunk_seq", seq)
		return ScheduledSource{}, fmt.Errorf("start source: %w", err)
	}
	s.active[seq] = stop
	s.nextStart = start + dur
	s.lastDuration = dur
	s.metrics.ChunkScheduled()
	s.metrics.RemoteActive(len(s.active))
	logging.Debugw("scheduler: chunk scheduled", logging.ChunkFields(seq, start.Seconds(), s.nextStart.Seconds(), dur.Seconds())...)
	return ScheduledSource{Seq: seq, Start: start, End: start + dur, Duration: dur}, nil
}

// sourceEnded removes a naturally finished source. Unknown sequence
// numbers belong to flushed sources and are ignored.
func (s *Scheduler) sourceEnded(seq uint64) {
	s.mu.Lock()
	if _, ok := s.active[seq]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, seq)
	s.notifyWatchersLocked(1)
	s.metrics.RemoteActive(len(s.active))
	idle := s.settleLocked()
	s.mu.Unlock()
	if idle {
		s.fireIdle()
	}
}

// TurnComplete marks the end of the current remote turn. The idle callback
// runs now if nothing is playing, otherwise after the last source ends.
func (s *Scheduler) TurnComplete() {
	s.mu.Lock()
	s.turnComplete = true
	idle := s.settleLocked()
	s.mu.Unlock()
	if idle {
		s.fireIdle()
	}
}

// settleLocked resets the timeline when the turn is over and drained.
func (s *Scheduler) settleLocked() bool {
	if len(s.active) > 0 || !s.turnComplete {
		return false
	}
	s.nextStart = 0
	s.turnComplete = false
	return true
}

func (s *Scheduler) fireIdle() {
	logging.Debugw("scheduler: output idle")
	if s.onIdle != nil {
		s.onIdle()
	}
}

// Reset zeroes the timeline if nothing is playing. It reports whether the
// reset happened.
func (s *Scheduler) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) > 0 {
		return false
	}
	s.nextStart = 0
	s.turnComplete = false
	return true
}

// Flush stops every scheduled source immediately and clears all state. It
// returns how many sources were stopped.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	stops := make([]func(), 0, len(s.active))
	for seq, stop := range s.active {
		stops = append(stops, stop)
		delete(s.active, seq)
	}
	n := len(stops)
	s.nextStart = 0
	s.turnComplete = false
	s.notifyWatchersLocked(n)
	s.metrics.RemoteActive(0)
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if n > 0 {
		logging.Infow("scheduler: flushed remote audio", "stopped", n)
	}
	return n
}

// Active reports whether remote audio is playing or still scheduled ahead
// of the output clock.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0 || s.nextStart > s.out.Now()
}

func (s *Scheduler) Snapshot() SchedulerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerSnapshot{
		NextStart:    s.nextStart,
		Now:          s.out.Now(),
		Active:       len(s.active),
		TurnComplete: s.turnComplete,
		LastDuration: s.lastDuration,
	}
}

// WaitDrained waits for the sources playing at call time to finish, up to
// maxWait. It reports whether they all finished.
func (s *Scheduler) WaitDrained(ctx context.Context, maxWait time.Duration) bool {
	s.mu.Lock()
	n := len(s.active)
	if n == 0 {
		s.mu.Unlock()
		return true
	}
	cd := NewCountdown(n, maxWait)
	s.watchers[cd] = struct{}{}
	s.mu.Unlock()

	err := cd.Wait(ctx)

	s.mu.Lock()
	delete(s.watchers, cd)
	s.mu.Unlock()
	return err == nil && !cd.TimedOut()
}

func (s *Scheduler) notifyWatchersLocked(n int) {
	for cd := range s.watchers {
		for i := 0; i < n; i++ {
			cd.Done()
		}
	}
}

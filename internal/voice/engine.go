package voice

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/clara-voice-lab/internal/logging"
)

// SegmentRequest is one segment handed to a synthesis engine.
type SegmentRequest struct {
	Text    string
	Lang    string
	Locale  string
	Voice   *Voice
	Profile Profile
}

// Callbacks report the progress of one segment. OnEnd or OnError should
// fire once, but callers must not rely on it.
type Callbacks struct {
	OnStart func()
	OnEnd   func()
	OnError func(error)
}

// Engine is a local speech synthesizer. Speak queues a segment and returns
// at once; queued segments are spoken in order.
type Engine interface {
	Voices() []Voice
	Speak(ctx context.Context, req SegmentRequest, cb Callbacks)
	Cancel()
	Speaking() bool
}

// renderFunc synthesizes and plays one segment, blocking until it is heard.
type renderFunc func(ctx context.Context, req SegmentRequest) error

type queued struct {
	ctx context.Context
	req SegmentRequest
	cb  Callbacks
	gen uint64
}

// serialQueue runs segments one at a time on a worker goroutine. Cancel
// drops everything queued and interrupts the segment being rendered.
type serialQueue struct {
	render renderFunc

	mu       sync.Mutex
	queue    []queued
	gen      uint64
	running  bool
	cancelFn context.CancelFunc
	speaking atomic.Bool
}

func newSerialQueue(render renderFunc) *serialQueue {
	return &serialQueue{render: render}
}

func (q *serialQueue) Speak(ctx context.Context, req SegmentRequest, cb Callbacks) {
	q.mu.Lock()
	q.queue = append(q.queue, queued{ctx: ctx, req: req, cb: cb, gen: q.gen})
	if !q.running {
		q.running = true
		go q.work()
	}
	q.mu.Unlock()
}

func (q *serialQueue) work() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		item := q.queue[0]
		q.queue = q.queue[1:]
		if item.gen != q.gen {
			q.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(item.ctx)
		q.cancelFn = cancel
		q.mu.Unlock()

		q.speaking.Store(true)
		if item.cb.OnStart != nil {
			item.cb.OnStart()
		}
		err := q.render(ctx, item.req)
		q.speaking.Store(false)
		cancel()

		q.mu.Lock()
		q.cancelFn = nil
		q.mu.Unlock()

		if err != nil {
			if item.cb.OnError != nil {
				item.cb.OnError(err)
			}
			continue
		}
		if item.cb.OnEnd != nil {
			item.cb.OnEnd()
		}
	}
}

func (q *serialQueue) Cancel() {
	q.mu.Lock()
	q.gen++
	q.queue = nil
	cancel := q.cancelFn
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (q *serialQueue) Speaking() bool { return q.speaking.Load() }

// NullEngine has no voices and finishes every segment immediately. It keeps
// the fallback path alive when no synthesizer is installed.
type NullEngine struct {
	warn sync.Once
}

func (e *NullEngine) Voices() []Voice { return nil }

func (e *NullEngine) Speak(_ context.Context, req SegmentRequest, cb Callbacks) {
	e.warn.Do(func() {
		logging.Warnw("tts: no speech engine configured; fallback speech is silent")
	})
	if cb.OnEnd != nil {
		go cb.OnEnd()
	}
}

func (e *NullEngine) Cancel()        {}
func (e *NullEngine) Speaking() bool { return false }

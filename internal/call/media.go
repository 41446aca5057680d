package call

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/clara-voice-lab/internal/logging"
)

// MediaBroker acquires local devices for a call. It is only ever asked
// while the call is Preparing. A refusal is reported as
// ErrPermissionCancelled.
type MediaBroker interface {
	Acquire(ctx context.Context, req PermissionRequest) (Track, error)
}

// Opener opens a PCM capture stream; device.CommandMicrophone satisfies it.
type Opener interface {
	Open(ctx context.Context, sampleRate int) (io.ReadCloser, error)
}

// StreamTrack is a local track backed by a capture stream. The call
// transport reads from it.
type StreamTrack struct {
	io.Reader
	closer io.Closer
	once   sync.Once
}

func (t *StreamTrack) Stop() {
	t.once.Do(func() {
		if err := t.closer.Close(); err != nil {
			logging.Debugw("call: stop local track", "err", err)
		}
	})
}

// DeviceBroker grants every request by opening the microphone. Video is
// left to the peer transport.
type DeviceBroker struct {
	Mic        Opener
	SampleRate int
}

func (b DeviceBroker) Acquire(ctx context.Context, req PermissionRequest) (Track, error) {
	rate := b.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	rc, err := b.Mic.Open(context.WithoutCancel(ctx), rate)
	if err != nil {
		return nil, fmt.Errorf("open call microphone: %w", err)
	}
	logging.Infow("call: local media acquired", "call_id", req.CallID, "media", string(req.Media))
	return &StreamTrack{Reader: rc, closer: rc}, nil
}

// PermissionRequest is shown to the user before any device is touched.
type PermissionRequest struct {
	CallID string
	Target string
	Media  MediaKind
}

// PromptBroker asks the user before delegating to Next. Requests are
// published on Requests and resolved with Answer. Only the newest request
// is answerable; opening a prompt cancels the one before it.
type PromptBroker struct {
	Next     MediaBroker
	requests chan PermissionRequest

	mu     sync.Mutex
	callID string
	answer chan bool
}

func NewPromptBroker(next MediaBroker) *PromptBroker {
	return &PromptBroker{Next: next, requests: make(chan PermissionRequest, 1)}
}

func (b *PromptBroker) Requests() <-chan PermissionRequest { return b.requests }

// Pending returns the call waiting for an answer, if any.
func (b *PromptBroker) Pending() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callID, b.callID != ""
}

// Answer resolves the prompt for callID. It reports false when that call
// is not the one waiting.
func (b *PromptBroker) Answer(callID string, allow bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if callID == "" || callID != b.callID {
		return false
	}
	b.answer <- allow
	b.callID, b.answer = "", nil
	return true
}

func (b *PromptBroker) Acquire(ctx context.Context, req PermissionRequest) (Track, error) {
	ch := make(chan bool, 1)
	b.mu.Lock()
	if b.answer != nil {
		logging.Debugw("call: superseding permission prompt", "call_id", b.callID, "next", req.CallID)
		b.answer <- false
	}
	b.callID, b.answer = req.CallID, ch
	// A request still buffered belongs to a prompt that is no longer valid.
	select {
	case <-b.requests:
	default:
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.answer == ch {
			b.callID, b.answer = "", nil
		}
		b.mu.Unlock()
	}()

	select {
	case b.requests <- req:
	case <-ctx.Done():
		return nil, ErrPermissionCancelled
	}
	select {
	case allow := <-ch:
		if !allow {
			return nil, ErrPermissionCancelled
		}
		if ctx.Err() != nil {
			return nil, ErrPermissionCancelled
		}
		return b.Next.Acquire(ctx, req)
	case <-ctx.Done():
		return nil, ErrPermissionCancelled
	}
}

// Peer establishes the media path once the operator accepted. It returns
// the remote track.
type Peer interface {
	Connect(ctx context.Context, sess Session) (Track, error)
}

// RoomPeer is used when an external client joins the signaled room and
// carries the media itself; the remote track only marks the call live.
type RoomPeer struct{}

func (RoomPeer) Connect(_ context.Context, sess Session) (Track, error) {
	if sess.Room == "" {
		return nil, fmt.Errorf("call %s: accepted without a room", sess.ID)
	}
	logging.Infow("call: joined room", "call_id", sess.ID, "room", sess.Room)
	return roomTrack{room: sess.Room}, nil
}

type roomTrack struct{ room string }

func (t roomTrack) Stop() { logging.Debugw("call: left room", "room", t.room) }

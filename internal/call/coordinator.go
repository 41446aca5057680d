package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/channel"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/clara-voice-lab/internal/store"
)

// AudioOwner is the conversational audio path a live call preempts.
type AudioOwner interface {
	Suspend(reason string)
	Resume()
}

// Summary is published once per call when it ends.
type Summary struct {
	CallID      string
	Target      string
	Purpose     string
	Room        string
	Reason      string
	RemoteEnded bool
	StartedAt   time.Time
	EndedAt     time.Time
	Duration    time.Duration
	TalkTime    time.Duration
}

// Coordinator drives a Machine from signaling, permission and peer events
// and keeps conversational audio suspended while a call is live.
type Coordinator struct {
	machine    *Machine
	signaler   Signaler
	broker     MediaBroker
	peer       Peer
	audio      AudioOwner
	store      *store.Store
	ClientName string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	calls     map[string]context.CancelFunc
	callCtx   map[string]context.Context
	signaled  map[string]bool
	suspended string
	summaries []func(Summary)
}

func NewCoordinator(m *Machine, sig Signaler, broker MediaBroker, peer Peer, audio AudioOwner, st *store.Store) *Coordinator {
	if peer == nil {
		peer = RoomPeer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		machine:  m,
		signaler: sig,
		broker:   broker,
		peer:     peer,
		audio:    audio,
		store:    st,
		ctx:      ctx,
		cancel:   cancel,
		calls:    make(map[string]context.CancelFunc),
		callCtx:  make(map[string]context.Context),
		signaled: make(map[string]bool),
	}
	m.Subscribe(c.onNotice)
	return c
}

func (c *Coordinator) Machine() *Machine { return c.machine }

// OnSummary registers fn for every ended call.
func (c *Coordinator) OnSummary(fn func(Summary)) {
	c.mu.Lock()
	c.summaries = append(c.summaries, fn)
	c.mu.Unlock()
}

// Start initiates a call to target. Devices are requested next; nothing is
// signaled until permission is granted.
func (c *Coordinator) Start(target, purpose string, media MediaKind) (string, error) {
	if target == "" {
		return "", errors.New("call: no target")
	}
	return c.machine.Initiate(target, purpose, media)
}

// End hangs up the active call.
func (c *Coordinator) End(reason string) error {
	sess, ok := c.machine.Current()
	if !ok {
		return fmt.Errorf("%w: no active call", ErrInvalidTransition)
	}
	return c.machine.End(sess.ID, reason)
}

// Run applies signaling events until ctx is done or the signaler closes.
// Any live call is ended on the way out.
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		if sess, ok := c.machine.Current(); ok {
			_ = c.machine.End(sess.ID, ReasonShutdown)
		}
		c.cancel()
		c.wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-c.signaler.Signals():
			if !ok {
				return nil
			}
			c.HandleSignal(sig)
		}
	}
}

// HandleSignal maps one signaling event to a machine transition.
func (c *Coordinator) HandleSignal(sig Signal) {
	callID := sig.CallID
	if callID == "" {
		if sess, ok := c.machine.Current(); ok && sig.Kind == SignalError {
			callID = sess.ID
		}
	}
	var err error
	switch sig.Kind {
	case SignalRinging:
		err = c.machine.Ringing(callID)
	case SignalAccepted:
		err = c.machine.Accepted(callID, sig.Room)
	case SignalDeclined:
		err = c.machine.Declined(callID, sig.Reason)
	case SignalEnded:
		err = c.machine.RemoteEnded(callID)
	case SignalError:
		reason := ReasonSignalingError
		if sig.Reason != "" {
			reason = ReasonSignalingError + ": " + sig.Reason
		}
		if callID == "" {
			logging.Warnw("call: signaling error with no call", "reason", sig.Reason)
			return
		}
		err = c.machine.Failed(callID, reason)
	}
	if err != nil {
		logging.Debugw("call: signal ignored", "signal", sig.Kind.String(), "call_id", sig.CallID, "err", err)
	}
}

// onNotice runs inside machine transitions; anything that transitions
// again happens on a goroutine.
func (c *Coordinator) onNotice(n Notice) {
	switch n.Kind {
	case NoticeNeedPermission:
		ctx := c.begin(n.Session.ID)
		c.async(func() { c.acquire(ctx, n.Session) })
	case NoticeEnded:
		c.ended(n.Session)
	case NoticeState:
		switch n.To {
		case Dialing:
			ctx := c.contextFor(n.Session.ID)
			c.async(func() { c.dial(ctx, n.Session) })
		case Connecting:
			ctx := c.contextFor(n.Session.ID)
			c.async(func() { c.connect(ctx, n.Session) })
		case InCall:
			c.mu.Lock()
			c.suspended = n.Session.ID
			c.mu.Unlock()
			c.audio.Suspend("call " + n.Session.ID)
		}
	}
}

func (c *Coordinator) async(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// begin creates the context that lives as long as the call. It runs inside
// the Preparing transition, before anything can end the call.
func (c *Coordinator) begin(callID string) context.Context {
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.calls[callID] = cancel
	c.callCtx[callID] = ctx
	c.mu.Unlock()
	return ctx
}

func (c *Coordinator) contextFor(callID string) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx, ok := c.callCtx[callID]; ok {
		return ctx
	}
	return c.ctx
}

func (c *Coordinator) acquire(ctx context.Context, sess Session) {
	track, err := c.broker.Acquire(ctx, PermissionRequest{CallID: sess.ID, Target: sess.Target, Media: sess.Media})
	if err != nil {
		if errors.Is(err, ErrPermissionCancelled) {
			_ = c.machine.PermissionCancelled(sess.ID)
			return
		}
		logging.Warnw("call: device acquisition failed", "call_id", sess.ID, "err", err)
		_ = c.machine.Failed(sess.ID, "device_error")
		return
	}
	if err := c.machine.PermissionGranted(sess.ID, track); err != nil {
		// The call ended while the prompt was open.
		track.Stop()
	}
}

func (c *Coordinator) dial(ctx context.Context, sess Session) {
	c.mu.Lock()
	c.signaled[sess.ID] = true
	c.mu.Unlock()
	err := c.signaler.StartCall(ctx, StartRequest{CallID: sess.ID, Target: sess.Target, Purpose: sess.Purpose, ClientName: c.ClientName})
	if err != nil {
		logging.Warnw("call: start signaling failed", "call_id", sess.ID, "err", err)
		c.mu.Lock()
		delete(c.signaled, sess.ID)
		c.mu.Unlock()
		_ = c.machine.Failed(sess.ID, ReasonSignalingError)
	}
}

func (c *Coordinator) connect(ctx context.Context, sess Session) {
	remote, err := c.peer.Connect(ctx, sess)
	if err != nil {
		logging.Warnw("call: peer connection failed", "call_id", sess.ID, "err", err)
		_ = c.machine.Failed(sess.ID, ReasonPeerError)
		return
	}
	if err := c.machine.Connected(sess.ID, remote); err != nil {
		remote.Stop()
	}
}

func (c *Coordinator) ended(sess Session) {
	if sess.Local != nil {
		sess.Local.Stop()
	}
	if sess.Remote != nil {
		sess.Remote.Stop()
	}

	c.mu.Lock()
	signaled := c.signaled[sess.ID]
	delete(c.signaled, sess.ID)
	resume := c.suspended == sess.ID
	if resume {
		c.suspended = ""
	}
	subs := make([]func(Summary), len(c.summaries))
	copy(subs, c.summaries)
	cancel := c.calls[sess.ID]
	delete(c.calls, sess.ID)
	delete(c.callCtx, sess.ID)
	c.mu.Unlock()

	// Releases an open permission prompt and any in-flight signaling.
	if cancel != nil {
		cancel()
	}

	if resume {
		c.audio.Resume()
	}
	if signaled && !sess.RemoteEnded {
		c.async(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 5*time.Second)
			defer cancel()
			if err := c.signaler.EndCall(ctx, sess.ID); err != nil {
				logging.Warnw("call: end signaling failed", "call_id", sess.ID, "err", err)
			}
		})
	}

	sum := Summary{
		CallID:      sess.ID,
		Target:      sess.Target,
		Purpose:     sess.Purpose,
		Room:        sess.Room,
		Reason:      sess.Reason,
		RemoteEnded: sess.RemoteEnded,
		StartedAt:   sess.StartedAt,
		EndedAt:     sess.EndedAt,
		Duration:    sess.EndedAt.Sub(sess.StartedAt),
	}
	if !sess.ConnectedAt.IsZero() {
		sum.TalkTime = sess.EndedAt.Sub(sess.ConnectedAt)
	}
	logging.Infow("call: ended", "call_id", sum.CallID, "reason", sum.Reason, "target", sum.Target, "duration_ms", sum.Duration.Milliseconds())
	if _, err := c.store.Put("call", sum.CallID, map[string]interface{}{
		"target":       sum.Target,
		"purpose":      sum.Purpose,
		"room":         sum.Room,
		"reason":       sum.Reason,
		"remote_ended": sum.RemoteEnded,
		"started":      sum.StartedAt.UTC().Format(time.RFC3339Nano),
		"ended":        sum.EndedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms":  sum.Duration.Milliseconds(),
		"talk_ms":      sum.TalkTime.Milliseconds(),
	}); err != nil {
		logging.Warnw("call: persist summary failed", "call_id", sum.CallID, "err", err)
	}
	for _, fn := range subs {
		fn(sum)
	}
}

// ToolHandler answers the video call tool: capture is stopped first, then a
// call is started to the named staff member or fallbackTarget.
func (c *Coordinator) ToolHandler(dir Directory, fallbackTarget string, stopCapture func()) func(context.Context, channel.ToolCall) (map[string]interface{}, error) {
	return func(_ context.Context, tc channel.ToolCall) (map[string]interface{}, error) {
		code, _ := tc.Args["staffShortName"].(string)
		if code == "" {
			code = fallbackTarget
		}
		staff, ok := dir.Lookup(code)
		if !ok {
			return nil, fmt.Errorf("unknown staff member %q", code)
		}
		if stopCapture != nil {
			stopCapture()
		}
		id, err := c.Start(staff.ID, "Voice-initiated video call", AudioVideo)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "calling", "call_id": id, "staff": staff.Name}, nil
	}
}

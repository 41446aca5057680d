package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/channel"
	"github.com/clara-voice-lab/internal/lang"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/clara-voice-lab/internal/metrics"
)

// Mode is what the output device is doing from the arbitrator's view.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeRemote    Mode = "remote"
	ModeFallback  Mode = "fallback"
	ModeSuspended Mode = "suspended"
)

// Diagnostics is a point-in-time view of the audio paths.
type Diagnostics struct {
	Mode              Mode
	QueueSize         int
	NextStart         time.Duration
	LastChunkDuration time.Duration
	Lang              string
	Confidence        float64
	SuspendReason     string
}

// TextSender delivers text into the conversational session.
type TextSender interface {
	SendText(ctx context.Context, text string) error
	SendToolResponse(ctx context.Context, resp channel.ToolResponse) error
}

// ToolHandler executes a tool call and returns its result payload.
type ToolHandler func(ctx context.Context, call channel.ToolCall) (map[string]interface{}, error)

type ArbitratorConfig struct {
	// DrainWait bounds how long fallback waits for remote audio to finish
	// before flushing it.
	DrainWait time.Duration
}

// Arbitrator routes inbound channel events to remote playback or fallback
// speech and keeps the two from ever sounding at once.
type Arbitrator struct {
	sched      *Scheduler
	synth      *Synthesizer
	transcript *Transcript
	detector   lang.Detector
	sender     TextSender
	metrics    *metrics.Collector
	cfg        ArbitratorConfig

	tools         map[string]ToolHandler
	onSessionLost func()
	onUtterance   func(Utterance)
	baseCtx       context.Context
	baseCancel    context.CancelFunc

	mu              sync.Mutex
	fbCtx           context.Context
	fbCancel        context.CancelFunc
	fallbackPending int
	suspended       bool
	suspendReason   string
	chunksThisTurn  int
	sessionLang     string
	sessionConf     float64
	wg              sync.WaitGroup
}

func NewArbitrator(sched *Scheduler, synth *Synthesizer, transcript *Transcript, detector lang.Detector, sender TextSender, cfg ArbitratorConfig, m *metrics.Collector) *Arbitrator {
	if cfg.DrainWait <= 0 {
		cfg.DrainWait = 5 * time.Second
	}
	base, baseCancel := context.WithCancel(context.Background())
	fb, fbCancel := context.WithCancel(base)
	def := detector.Default
	if def == "" {
		def = lang.DefaultLanguage
	}
	return &Arbitrator{
		sched:       sched,
		synth:       synth,
		transcript:  transcript,
		detector:    detector,
		sender:      sender,
		metrics:     m,
		cfg:         cfg,
		tools:       make(map[string]ToolHandler),
		baseCtx:     base,
		baseCancel:  baseCancel,
		fbCtx:       fb,
		fbCancel:    fbCancel,
		sessionLang: def,
		sessionConf: 1,
	}
}

// HandleTool registers the handler for a tool name. Call before Run.
func (a *Arbitrator) HandleTool(name string, h ToolHandler) { a.tools[name] = h }

// OnSessionLost runs when the conversational session closes or errors.
func (a *Arbitrator) OnSessionLost(fn func()) { a.onSessionLost = fn }

// OnUtterance receives every finalized utterance.
func (a *Arbitrator) OnUtterance(fn func(Utterance)) { a.onUtterance = fn }

// Run handles events until ctx is done or events is closed. Events are
// processed one at a time, so chunks are scheduled in arrival order.
func (a *Arbitrator) Run(ctx context.Context, events <-chan channel.Event) error {
	defer a.wg.Wait()
	defer a.baseCancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.Handle(ctx, ev)
		}
	}
}

// Handle applies the routing policy to one event.
func (a *Arbitrator) Handle(ctx context.Context, ev channel.Event) {
	switch ev.Kind {
	case channel.KindAudio:
		a.onChunk(ev)
	case channel.KindTranscript:
		a.transcript.Append(ev.Speaker, ev.Text)
	case channel.KindTurnComplete:
		a.onTurnComplete()
	case channel.KindInterrupted:
		// The user barged in: whatever the model was saying is stale.
		if n := a.sched.Flush(); n > 0 {
			logging.Infow("arbitrator: remote audio interrupted", "stopped", n)
		}
	case channel.KindToolCall:
		a.onToolCall(ctx, ev.Tool)
	case channel.KindClosed, channel.KindError:
		if ev.Err != nil {
			logging.Warnw("arbitrator: session error", "err", ev.Err)
		} else {
			logging.Infow("arbitrator: session closed")
		}
		if a.onSessionLost != nil {
			a.onSessionLost()
		}
	}
}

func (a *Arbitrator) onChunk(ev channel.Event) {
	a.mu.Lock()
	switch {
	case a.suspended:
		a.mu.Unlock()
		a.metrics.ChunkDropped("suspended")
		logging.Debugw("arbitrator: chunk dropped; call owns output")
		return
	case a.fallbackPending > 0:
		a.mu.Unlock()
		a.metrics.ChunkDropped("fallback_active")
		logging.Debugw("arbitrator: chunk dropped; fallback owns output")
		return
	}
	a.chunksThisTurn++
	a.mu.Unlock()

	if _, err := a.sched.Schedule(ev.Audio); err != nil {
		a.metrics.ChunkDropped("decode")
	}
}

func (a *Arbitrator) onTurnComplete() {
	a.mu.Lock()
	chunks := a.chunksThisTurn
	a.chunksThisTurn = 0
	prev := a.sessionLang
	suspended := a.suspended
	a.mu.Unlock()

	a.sched.TurnComplete()

	var response string
	for _, u := range a.transcript.Finalize(prev) {
		if u.Speaker == channel.SpeakerUser {
			a.mu.Lock()
			a.sessionLang, a.sessionConf = u.Lang, u.Confidence
			a.mu.Unlock()
		}
		if u.Speaker == channel.SpeakerAgent {
			response = u.Text
		}
		if a.onUtterance != nil {
			a.onUtterance(u)
		}
	}

	switch {
	case chunks > 0:
		logging.Debugw("arbitrator: turn complete; remote audio played", "chunks", chunks)
	case response == "":
		logging.Debugw("arbitrator: turn complete without audio or text")
	case suspended:
		logging.Infow("arbitrator: fallback skipped; audio suspended")
	default:
		logging.Infow("arbitrator: no remote audio this turn; using fallback speech", "chars", len(response))
		a.startFallback(response, a.fallbackLang(response), false)
	}
}

// fallbackLang prefers the response's own language unless it is the
// default, in which case the session's detected language wins.
func (a *Arbitrator) fallbackLang(text string) string {
	a.mu.Lock()
	session := a.sessionLang
	a.mu.Unlock()
	resp := a.detector.Detect(text, a.detector.Default, session)
	if resp != "" && resp != a.detector.Default {
		return resp
	}
	return session
}

// Speak is a manual speech request: remote audio stops at once and the
// text is spoken through the fallback path.
func (a *Arbitrator) Speak(text, langHint string) error {
	a.mu.Lock()
	suspended := a.suspended
	a.mu.Unlock()
	if suspended {
		return ErrSuspended
	}
	if langHint == "" {
		langHint = a.fallbackLang(text)
	}
	a.startFallback(text, langHint, true)
	return nil
}

// startFallback claims the output for fallback speech. Chunks are dropped
// from this moment until the sequence ends.
func (a *Arbitrator) startFallback(text, langHint string, exclusive bool) {
	a.mu.Lock()
	a.fallbackPending++
	a.wg.Add(1)
	ctx := a.fbCtx
	a.mu.Unlock()

	if exclusive {
		a.sched.Flush()
	}

	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			a.fallbackPending--
			a.mu.Unlock()
		}()
		if a.sched.Active() {
			logging.Infow("arbitrator: waiting for remote audio to finish")
			if !a.sched.WaitDrained(ctx, a.cfg.DrainWait) {
				logging.Warnw("arbitrator: remote audio did not drain; flushing", "wait_ms", a.cfg.DrainWait.Milliseconds())
				a.sched.Flush()
			}
		}
		if a.isSuspended() {
			return
		}
		res, err := a.synth.Speak(ctx, text, langHint)
		if err != nil {
			logging.Debugw("arbitrator: fallback ended early", "err", err)
			return
		}
		if res.Skipped != "" {
			logging.Debugw("arbitrator: fallback skipped", "reason", res.Skipped)
		}
	}()
}

func (a *Arbitrator) isSuspended() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.suspended
}

// Suspend silences both paths while a call owns the output device.
func (a *Arbitrator) Suspend(reason string) {
	a.mu.Lock()
	if a.suspended {
		a.mu.Unlock()
		return
	}
	a.suspended = true
	a.suspendReason = reason
	// Queued fallback sequences belong to the conversation being suspended.
	a.fbCancel()
	a.fbCtx, a.fbCancel = context.WithCancel(a.baseCtx)
	a.mu.Unlock()

	stopped := a.sched.Flush()
	a.synth.Cancel()
	logging.Infow("arbitrator: conversational audio suspended", "reason", reason, "stopped", stopped)
}

// Resume ends a suspension. Nothing that was dropped is replayed.
func (a *Arbitrator) Resume() {
	a.mu.Lock()
	was := a.suspended
	a.suspended = false
	a.suspendReason = ""
	a.mu.Unlock()
	if was {
		logging.Infow("arbitrator: conversational audio resumed")
	}
}

// Greet asks the remote side to speak a greeting, addressing name when
// known.
func (a *Arbitrator) Greet(ctx context.Context, name string) error {
	text := "Hi there! I'm Clara, your friendly AI receptionist! I'm so excited to help you today! How can I assist you?"
	if name != "" {
		text = fmt.Sprintf("Hi %s! I'm Clara, your friendly AI receptionist! I'm so excited to help you today! How can I assist you?", name)
	}
	if err := a.sender.SendText(ctx, text); err != nil {
		logging.Warnw("arbitrator: greeting failed; speaking locally", "err", err)
		return a.Speak(text, a.detector.Default)
	}
	return nil
}

func (a *Arbitrator) onToolCall(ctx context.Context, call channel.ToolCall) {
	h, ok := a.tools[call.Name]
	if !ok {
		logging.Warnw("arbitrator: unknown tool", "tool", call.Name, "id", call.ID)
		a.respond(ctx, call, map[string]interface{}{"error": "unknown tool " + call.Name})
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		result, err := h(ctx, call)
		if err != nil {
			logging.Warnw("arbitrator: tool failed", "tool", call.Name, "err", err)
			result = map[string]interface{}{"error": err.Error()}
		}
		a.respond(ctx, call, result)
	}()
}

func (a *Arbitrator) respond(ctx context.Context, call channel.ToolCall, result map[string]interface{}) {
	if err := a.sender.SendToolResponse(ctx, channel.ToolResponse{ID: call.ID, Name: call.Name, Result: result}); err != nil {
		logging.Debugw("arbitrator: tool response not delivered", "tool", call.Name, "err", err)
	}
}

// RemoteActive and FallbackActive expose the two exclusion flags.
func (a *Arbitrator) RemoteActive() bool { return a.sched.Active() }

func (a *Arbitrator) FallbackActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fallbackPending > 0
}

// SessionLanguage is the language detected from the user's last turn.
func (a *Arbitrator) SessionLanguage() (string, float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionLang, a.sessionConf
}

func (a *Arbitrator) Diagnostics() Diagnostics {
	snap := a.sched.Snapshot()
	a.mu.Lock()
	d := Diagnostics{
		NextStart:         snap.NextStart,
		LastChunkDuration: snap.LastDuration,
		Lang:              a.sessionLang,
		Confidence:        a.sessionConf,
		SuspendReason:     a.suspendReason,
	}
	suspended, fallback := a.suspended, a.fallbackPending > 0
	a.mu.Unlock()
	switch {
	case suspended:
		d.Mode = ModeSuspended
	case fallback:
		d.Mode = ModeFallback
		d.QueueSize = a.synth.Remaining()
	case snap.Active > 0 || snap.NextStart > snap.Now:
		d.Mode = ModeRemote
		d.QueueSize = snap.Active
	default:
		d.Mode = ModeIdle
	}
	return d
}

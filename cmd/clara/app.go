package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/audio"
	"github.com/clara-voice-lab/internal/call"
	"github.com/clara-voice-lab/internal/channel"
	"github.com/clara-voice-lab/internal/config"
	"github.com/clara-voice-lab/internal/device"
	"github.com/clara-voice-lab/internal/lang"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/clara-voice-lab/internal/mcp"
	"github.com/clara-voice-lab/internal/metrics"
	"github.com/clara-voice-lab/internal/store"
	"github.com/clara-voice-lab/internal/voice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const version = "v0.3.0"

// app is the wired front-end: one conversational channel, the two audio
// paths behind the arbitrator, microphone capture and the call stack.
type app struct {
	cfg      config.Config
	reg      *prometheus.Registry
	store    *store.Store
	dir      call.Directory
	channel  *channel.Manager
	timeline *device.Timeline
	sched    *voice.Scheduler
	synth    *voice.Synthesizer
	arb      *voice.Arbitrator
	capture  *voice.Capture
	coord    *call.Coordinator
	prompts  *call.PromptBroker
	signaler call.Signaler

	closers []func() error
	greeted bool
	mu      sync.Mutex
}

// deps are the pieces that touch the outside world; tests swap them.
type deps struct {
	dialer   channel.Dialer
	sink     device.Sink
	mic      voice.Microphone
	engine   voice.Engine
	signaler call.Signaler
}

func newApp(cfg config.Config, d deps) *app {
	for code, loc := range cfg.Speech.Locales {
		lang.SetLocale(code, loc)
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := store.New(cfg.SaveDir)
	detector := lang.Detector{Default: cfg.Speech.DefaultLang, TieBand: cfg.Speech.TieBand}

	var roster []call.Staff
	for _, s := range cfg.Staff {
		roster = append(roster, call.Staff{Code: s.Code, Name: s.Name, ID: s.ID})
	}
	dir := call.NewDirectory(roster)

	a := &app{cfg: cfg, reg: reg, store: st, dir: dir}
	if d.dialer == nil {
		d.dialer = newDialer(cfg, dir)
	}
	a.channel = channel.NewManager(d.dialer, 0)

	if d.sink == nil {
		d.sink = newSink(cfg.Playback.PlayerCommand, cfg.Playback.SampleRate)
	}
	a.timeline = device.NewTimeline(d.sink)
	a.closers = append(a.closers, a.timeline.Close)
	a.sched = voice.NewScheduler(a.timeline, audio.NewMux(cfg.Playback.SampleRate), voice.WithSchedulerMetrics(m))

	if d.engine == nil {
		d.engine = a.newEngine()
	}
	profiles := voice.Profiles{}
	for code, p := range cfg.Speech.Profiles {
		profiles[code] = voice.Profile{Rate: p.Rate, Pitch: p.Pitch, Volume: p.Volume}
	}
	a.synth = voice.NewSynthesizer(d.engine, detector, voice.SynthesizerConfig{
		MaxSegment:   cfg.Speech.MaxSegmentChars,
		DedupeWindow: cfg.Speech.DedupeWindow(),
		MinTimeout:   cfg.Speech.MinTimeout(),
		Profiles:     profiles,
	}, m)
	transcript := voice.NewTranscript(detector, st)
	a.arb = voice.NewArbitrator(a.sched, a.synth, transcript, detector, a.channel, voice.ArbitratorConfig{DrainWait: cfg.Playback.DrainWait()}, m)

	if d.mic == nil {
		d.mic = device.CommandMicrophone{Command: cfg.Capture.MicCommand}
	}
	a.capture = voice.NewCapture(a.channel, d.mic, voice.CaptureConfig{
		SampleRate:     cfg.Capture.SampleRate,
		Threshold:      cfg.Capture.SilenceThreshold,
		SilenceTimeout: cfg.Capture.SilenceTimeout(),
	}, m, st)
	a.arb.OnSessionLost(func() { a.capture.Stop(false) })

	if d.signaler == nil {
		d.signaler = newSignaler(cfg)
	}
	a.signaler = d.signaler
	a.prompts = call.NewPromptBroker(call.DeviceBroker{Mic: d.mic, SampleRate: cfg.Capture.SampleRate})
	a.coord = call.NewCoordinator(call.NewMachine(m), d.signaler, a.prompts, nil, a.arb, st)
	a.coord.ClientName = cfg.Channel.ClientName
	a.arb.HandleTool(call.VideoCallTool, a.coord.ToolHandler(dir, cfg.Signaling.DefaultTarget, func() { a.capture.Stop(false) }))
	return a
}

func newDialer(cfg config.Config, dir call.Directory) channel.Dialer {
	chCfg := channel.Config{
		Model:             cfg.Channel.Model,
		Voice:             cfg.Channel.Voice,
		SystemInstruction: systemInstruction(dir, cfg.Channel.ClientName),
		Tools:             []channel.ToolSpec{dir.ToolSpec()},
	}
	if cfg.Channel.Mode == "ws" {
		return &channel.WSDialer{URL: cfg.Channel.WSURL, Client: cfg.Channel.ClientName, Config: chCfg}
	}
	return channel.NewGeminiDialer(cfg.Channel.APIKey, chCfg)
}

func newSink(command string, rate int) device.Sink {
	sink, err := device.NewFFplaySink(command, rate)
	if err != nil {
		logging.Warnw("playback: player unavailable; audio will be discarded", "command", command, "err", err)
		return device.DiscardSink{}
	}
	return sink
}

func (a *app) newEngine() voice.Engine {
	sp := a.cfg.Speech
	switch sp.Engine {
	case "http":
		sink := newSink(a.cfg.Playback.PlayerCommand, a.cfg.Playback.SampleRate)
		a.closers = append(a.closers, sink.Close)
		return voice.NewHTTPEngine(&voice.TTSClient{URL: sp.URL, AuthToken: sp.AuthToken, TimeoutMs: sp.TimeoutMS}, sink)
	case "none":
		return &voice.NullEngine{}
	default:
		return voice.NewCommandEngine(sp.Command)
	}
}

// offlineSignaler refuses every call; used when no signaling URL is set.
type offlineSignaler struct{}

var errNoSignaling = errors.New("call signaling is not configured")

func (offlineSignaler) StartCall(context.Context, call.StartRequest) error { return errNoSignaling }
func (offlineSignaler) EndCall(context.Context, string) error             { return nil }
func (offlineSignaler) Signals() <-chan call.Signal                       { return nil }

func newSignaler(cfg config.Config) call.Signaler {
	if cfg.Signaling.URL == "" {
		logging.Warnw("call: SIGNALING_URL not set; calls will fail")
		return offlineSignaler{}
	}
	return call.NewWSSignaler(cfg.Signaling.URL, cfg.Signaling.Token, cfg.Signaling.ClientID)
}

func (a *app) backend() mcp.Backend {
	return mcp.Backend{
		Calls:     a.coord,
		Speaker:   a.arb,
		Directory: a.dir,
		State:     a.coord.Machine().Current,
	}
}

// run serves until ctx ends or fn returns, then tears everything down.
func (a *app) run(ctx context.Context, fn func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	var bg sync.WaitGroup

	if a.store != nil {
		bg.Add(1)
		a.store.StartCleaner(ctx, &bg, a.cfg.SaveRetention(), time.Hour, a.cfg.SaveMaxFiles)
	}
	g.Go(func() error { return a.arb.Run(ctx, a.channel.Events()) })
	g.Go(func() error { return a.coord.Run(ctx) })
	if addr := a.cfg.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
		g.Go(func() error { return serveHTTP(ctx, addr, mux) })
	}
	if addr := a.cfg.MCPAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle(controlPath, mcp.Handler(ctx, mcp.NewServer("clara", version, a.backend())))
		g.Go(func() error { return serveHTTP(ctx, addr, mux) })
	}
	if fn != nil {
		g.Go(func() error { return fn(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		a.shutdown()
		return nil
	})

	err := g.Wait()
	bg.Wait()
	return err
}

func (a *app) shutdown() {
	logging.Infow("shutdown: closing resources")
	a.capture.Stop(true)
	a.synth.Cancel()
	a.sched.Flush()
	a.channel.Close()
	if c, ok := a.signaler.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			logging.Warnw("shutdown: signaling close", "err", err)
		}
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			logging.Warnw("shutdown: close", "err", err)
		}
	}
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logging.Infow("http: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

// StartMic starts capture, greeting the visitor the first time a session
// comes up.
func (a *app) StartMic(ctx context.Context) error {
	fresh := a.channel.Current() == nil
	if err := a.capture.Start(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	greet := fresh && !a.greeted
	a.greeted = a.greeted || greet
	a.mu.Unlock()
	if greet {
		if err := a.arb.Greet(ctx, a.cfg.Channel.ClientName); err != nil {
			logging.Warnw("greeting failed", "err", err)
		}
	}
	return nil
}

func (a *app) StopMic()                    { a.capture.Stop(false) }
func (a *app) Recording() bool             { return a.capture.Recording() }
func (a *app) Say(text, lang string) error { return a.arb.Speak(text, lang) }

// Call starts a call to target, resolved through the staff roster, or to
// the configured default.
func (a *app) Call(target string) (string, error) {
	if target == "" {
		target = a.cfg.Signaling.DefaultTarget
	}
	if s, ok := a.dir.Lookup(target); ok {
		target = s.ID
	}
	a.capture.Stop(false)
	return a.coord.Start(target, "Visitor request", call.AudioVideo)
}

func (a *app) EndCall() error { return a.coord.End("") }

func (a *app) Status() mcp.Status { return a.backend().Status() }

func (a *app) Permissions() <-chan call.PermissionRequest { return a.prompts.Requests() }

// Answer resolves the pending permission prompt.
func (a *app) Answer(allow bool) bool {
	id, ok := a.prompts.Pending()
	if !ok {
		return false
	}
	return a.prompts.Answer(id, allow)
}

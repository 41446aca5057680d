package voice

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clara-voice-lab/internal/lang"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/clara-voice-lab/internal/metrics"
)

// SpeechSegment is one bounded slice of response text with the language
// and voice it will be spoken in.
type SpeechSegment struct {
	Index      int
	Text       string
	Lang       string
	Confidence float64
	Locale     string
	Voice      *Voice
	Profile    Profile
}

// SpeakResult summarizes one fallback sequence.
type SpeakResult struct {
	Segments  int
	Completed int
	Errors    int
	TimedOut  bool
	Skipped   string // "empty" or "duplicate" when nothing was spoken
	Lang      string
}

type SynthesizerConfig struct {
	MaxSegment   int
	DedupeWindow time.Duration
	MinTimeout   time.Duration
	VoiceWait    time.Duration
	VoicePoll    time.Duration
	Profiles     Profiles
}

func (c *SynthesizerConfig) defaults() {
	if c.MaxSegment <= 0 {
		c.MaxSegment = DefaultMaxSegment
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 1800 * time.Millisecond
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = 30 * time.Second
	}
	if c.VoicePoll <= 0 {
		c.VoicePoll = 75 * time.Millisecond
	}
	if c.VoiceWait <= 0 {
		c.VoiceWait = 40 * c.VoicePoll
	}
}

// Synthesizer speaks response text through a local engine, one sequence at
// a time. Concurrent calls to Speak queue behind the running sequence.
type Synthesizer struct {
	engine   Engine
	detector lang.Detector
	cfg      SynthesizerConfig
	metrics  *metrics.Collector
	now      func() time.Time

	slot   chan struct{}
	active atomic.Bool

	mu        sync.Mutex
	current   *Countdown
	lastText  string
	lastAt    time.Time
	remaining int
}

func NewSynthesizer(engine Engine, detector lang.Detector, cfg SynthesizerConfig, m *metrics.Collector) *Synthesizer {
	cfg.defaults()
	if engine == nil {
		engine = &NullEngine{}
	}
	return &Synthesizer{
		engine:   engine,
		detector: detector,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
		slot:     make(chan struct{}, 1),
	}
}

// Speak cleans text, splits it into segments and speaks them in order. It
// returns once every segment has finished or failed, the safety deadline
// passes, Cancel is called, or ctx is done.
func (s *Synthesizer) Speak(ctx context.Context, text, langHint string) (SpeakResult, error) {
	clean := CleanMarkup(text)
	if clean == "" {
		return SpeakResult{Skipped: "empty"}, nil
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return SpeakResult{}, ctx.Err()
	}
	defer func() { <-s.slot }()

	s.mu.Lock()
	dup := clean == s.lastText && s.now().Sub(s.lastAt) < s.cfg.DedupeWindow && !s.engine.Speaking()
	s.mu.Unlock()
	if dup {
		s.metrics.DedupeSkip()
		logging.Infow("tts: skipping immediate repeat of identical text", "chars", len([]rune(clean)))
		return SpeakResult{Skipped: "duplicate"}, nil
	}

	voices := s.waitVoices(ctx)
	segs := s.Plan(clean, langHint, voices)
	if len(segs) == 0 {
		return SpeakResult{Skipped: "empty"}, nil
	}

	timeout := SequenceTimeout(len(segs), len([]rune(clean)), s.cfg.MinTimeout)
	cd := NewCountdown(len(segs), timeout)

	s.mu.Lock()
	s.lastText = clean
	s.lastAt = s.now()
	s.current = cd
	s.remaining = len(segs)
	s.mu.Unlock()
	s.active.Store(true)
	s.metrics.FallbackStarted()

	var errCount atomic.Int32
	var started sync.Once
	for _, seg := range segs {
		seg := seg
		req := SegmentRequest{Text: seg.Text, Lang: seg.Lang, Locale: seg.Locale, Voice: seg.Voice, Profile: seg.Profile}
		s.engine.Speak(ctx, req, Callbacks{
			OnStart: func() {
				started.Do(func() {
					logging.Infow("tts: speaking", logging.SegmentFields(seg.Index, len(segs), seg.Lang, seg.Confidence)...)
				})
			},
			OnEnd: func() {
				s.metrics.FallbackSegment("ok")
				s.segmentDone(cd)
			},
			OnError: func(err error) {
				errCount.Add(1)
				s.metrics.FallbackSegment("error")
				logging.Warnw("tts: segment failed", append(logging.SegmentFields(seg.Index, len(segs), seg.Lang, seg.Confidence), "err", err)...)
				s.segmentDone(cd)
			},
		})
	}

	waitErr := cd.Wait(ctx)
	res := SpeakResult{
		Segments:  len(segs),
		Completed: cd.Completed(),
		Errors:    int(errCount.Load()),
		TimedOut:  cd.TimedOut(),
		Lang:      segs[0].Lang,
	}
	if res.TimedOut {
		s.metrics.FallbackTimeout()
		logging.Warnw("tts: sequence timed out", "segments", res.Segments, "completed", res.Completed, "timeout_ms", timeout.Milliseconds())
	}
	if res.TimedOut || waitErr != nil {
		s.engine.Cancel()
	}

	s.mu.Lock()
	if s.current == cd {
		s.current = nil
		s.remaining = 0
	}
	s.mu.Unlock()
	s.active.Store(false)

	logging.Infow("tts: sequence finished", "segments", res.Segments, "completed", res.Completed, "errors", res.Errors)
	return res, waitErr
}

func (s *Synthesizer) segmentDone(cd *Countdown) {
	cd.Done()
	s.mu.Lock()
	if s.current == cd && s.remaining > 0 {
		s.remaining--
	}
	s.mu.Unlock()
}

// Plan builds the segments for already-cleaned text without speaking them.
// Each segment's language is detected with the previous segment's language
// as context.
func (s *Synthesizer) Plan(clean, langHint string, voices []Voice) []SpeechSegment {
	base := langHint
	if base == "" {
		base = s.detector.Default
	}
	var preferred *Voice
	if v, ok := PreferredVoice(voices, base); ok {
		preferred = &v
	}
	parts := SplitSegments(clean, s.cfg.MaxSegment)
	segs := make([]SpeechSegment, 0, len(parts))
	prev := base
	for i, text := range parts {
		est := s.detector.Analyze(text, base, prev)
		code := est.Lang
		if code == "" {
			code = base
		}
		locale := lang.Locale(code)
		seg := SpeechSegment{
			Index:      i,
			Text:       text,
			Lang:       code,
			Confidence: est.Confidence,
			Locale:     locale,
			Profile:    s.cfg.Profiles.For(code),
		}
		if v, ok := SelectVoice(voices, locale, preferred); ok {
			seg.Voice = &v
		}
		segs = append(segs, seg)
		prev = code
	}
	return segs
}

// waitVoices polls the engine until it reports voices or VoiceWait passes.
func (s *Synthesizer) waitVoices(ctx context.Context) []Voice {
	if v := s.engine.Voices(); len(v) > 0 {
		return v
	}
	if _, ok := s.engine.(*NullEngine); ok {
		return nil
	}
	deadline := time.NewTimer(s.cfg.VoiceWait)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.VoicePoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			logging.Warnw("tts: no voices available; using engine defaults")
			return nil
		case <-tick.C:
			if v := s.engine.Voices(); len(v) > 0 {
				return v
			}
		}
	}
}

// Active reports whether a sequence is being spoken.
func (s *Synthesizer) Active() bool { return s.active.Load() }

// Remaining is the number of segments of the running sequence not yet
// finished.
func (s *Synthesizer) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Cancel stops the engine and resolves the running sequence.
func (s *Synthesizer) Cancel() {
	s.engine.Cancel()
	s.mu.Lock()
	cd := s.current
	s.mu.Unlock()
	if cd != nil {
		cd.Cancel()
	}
}

// SequenceTimeout is the safety deadline for a sequence: a per-segment
// allowance scaled by average segment length, never below floor.
func SequenceTimeout(segments, chars int, floor time.Duration) time.Duration {
	if segments <= 0 {
		return floor
	}
	per := float64(chars) / float64(segments) / 10
	if per < 5 {
		per = 5
	}
	if per > 15 {
		per = 15
	}
	d := time.Duration(float64(segments) * per * float64(time.Second))
	if d < floor {
		return floor
	}
	return d
}

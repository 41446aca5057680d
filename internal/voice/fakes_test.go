package voice

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/audio"
	"github.com/clara-voice-lab/internal/channel"
)

// fakeOutput is a manually driven output clock.
type fakeOutput struct {
	mu      sync.Mutex
	now     time.Duration
	sources []*fakeSource
	failErr error
}

type fakeSource struct {
	at      time.Duration
	dur     time.Duration
	onEnded func()
	stopped bool
}

func (o *fakeOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOutput) set(now time.Duration) {
	o.mu.Lock()
	o.now = now
	o.mu.Unlock()
}

func (o *fakeOutput) Start(buf audio.Buffer, at time.Duration, onEnded func()) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failErr != nil {
		return nil, o.failErr
	}
	src := &fakeSource{at: at, dur: buf.Duration(), onEnded: onEnded}
	o.sources = append(o.sources, src)
	return func() {
		o.mu.Lock()
		src.stopped = true
		o.mu.Unlock()
	}, nil
}

// finish ends source i as if it played out.
func (o *fakeOutput) finish(i int) {
	o.mu.Lock()
	src := o.sources[i]
	stopped := src.stopped
	o.mu.Unlock()
	if !stopped {
		src.onEnded()
	}
}

func (o *fakeOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sources)
}

func (o *fakeOutput) stoppedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.sources {
		if s.stopped {
			n++
		}
	}
	return n
}

func pcmChunk(d time.Duration) audio.Chunk {
	n := int(d * 24000 / time.Second)
	return audio.Chunk{Data: audio.EncodePCM16(make([]int16, n)), MIMEType: "audio/pcm;rate=24000"}
}

// fakeEngine records segments and finishes them according to mode.
type fakeEngine struct {
	mu       sync.Mutex
	voices   []Voice
	spoken   []SegmentRequest
	mode     string // "ok", "error", "silent", "alternate"
	cancels  int
	speaking bool
	onSpeak  func(SegmentRequest)
}

func (e *fakeEngine) Voices() []Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.voices
}

func (e *fakeEngine) Speak(_ context.Context, req SegmentRequest, cb Callbacks) {
	e.mu.Lock()
	e.spoken = append(e.spoken, req)
	idx := len(e.spoken)
	mode := e.mode
	hook := e.onSpeak
	e.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	go func() {
		if cb.OnStart != nil {
			cb.OnStart()
		}
		switch {
		case mode == "silent":
		case mode == "error", mode == "alternate" && idx%2 == 0:
			cb.OnError(errors.New("synthesis failed"))
		default:
			cb.OnEnd()
		}
	}()
}

func (e *fakeEngine) Cancel() {
	e.mu.Lock()
	e.cancels++
	e.mu.Unlock()
}

func (e *fakeEngine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

func (e *fakeEngine) segments() []SegmentRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SegmentRequest(nil), e.spoken...)
}

// fakeSession captures everything sent upstream.
type fakeSession struct {
	mu       sync.Mutex
	audio    [][]byte
	mime     string
	texts    []string
	tools    []channel.ToolResponse
	sendErr  error
	events   chan channel.Event
	closed   bool
	closeCnt int
}

func newFakeSession() *fakeSession { return &fakeSession{events: make(chan channel.Event, 16)} }

func (s *fakeSession) SendAudio(_ context.Context, data []byte, mime string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.audio = append(s.audio, data)
	s.mime = mime
	return nil
}

func (s *fakeSession) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSession) SendToolResponse(_ context.Context, resp channel.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, resp)
	return nil
}

func (s *fakeSession) Events() <-chan channel.Event { return s.events }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCnt++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSession) frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

type fakeProvider struct {
	mu      sync.Mutex
	sess    *fakeSession
	err     error
	ensures int
	closes  int
}

func (p *fakeProvider) EnsureSession(context.Context) (channel.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensures++
	if p.err != nil {
		return nil, p.err
	}
	return p.sess, nil
}

func (p *fakeProvider) CloseSession() {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
}

func (p *fakeProvider) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// fakeMic hands out a pipe the test writes PCM into.
type fakeMic struct {
	mu     sync.Mutex
	err    error
	opens  int
	closes int
	w      *io.PipeWriter
}

func (m *fakeMic) Open(context.Context, int) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.opens++
	r, w := io.Pipe()
	m.w = w
	return &micStream{PipeReader: r, mic: m}, nil
}

func (m *fakeMic) writer() *io.PipeWriter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w
}

func (m *fakeMic) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

type micStream struct {
	*io.PipeReader
	mic *fakeMic
}

func (s *micStream) Close() error {
	s.mic.mu.Lock()
	s.mic.closes++
	s.mic.mu.Unlock()
	return s.PipeReader.Close()
}

package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/audio"
	"github.com/clara-voice-lab/internal/channel"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/clara-voice-lab/internal/metrics"
	"github.com/clara-voice-lab/internal/store"
	"github.com/google/uuid"
)

var (
	ErrAlreadyRecording = errors.New("voice: already recording")
	ErrNoSession        = errors.New("voice: no conversational session")
	ErrSuspended        = errors.New("voice: conversational audio suspended")
)

// SessionProvider hands out the live conversational session, creating one
// when needed.
type SessionProvider interface {
	EnsureSession(ctx context.Context) (channel.Session, error)
	CloseSession()
}

// Microphone opens a mono PCM16LE stream at the given rate. Closing the
// stream releases the device.
type Microphone interface {
	Open(ctx context.Context, sampleRate int) (io.ReadCloser, error)
}

type CaptureConfig struct {
	SampleRate     int
	Threshold      float64
	SilenceTimeout time.Duration
	// WindowSamples is the RMS window and the frame size sent upstream.
	WindowSamples int
}

func (c *CaptureConfig) defaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.01
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 2 * time.Second
	}
	if c.WindowSamples <= 0 {
		c.WindowSamples = 2048
	}
}

// Capture streams microphone audio to the conversational session while
// recording and ends the recording after sustained silence.
type Capture struct {
	sessions SessionProvider
	mic      Microphone
	cfg      CaptureConfig
	metrics  *metrics.Collector
	store    *store.Store
	now      func() time.Time

	// OnAutoStop runs after the silence timer ends a recording.
	OnAutoStop func()

	startMu sync.Mutex
	sendMu  sync.RWMutex

	mu        sync.Mutex
	recording bool
	gen       uint64
	cancel    context.CancelFunc
	stream    io.ReadCloser
	cid       string
	captured  []byte
}

func NewCapture(sessions SessionProvider, mic Microphone, cfg CaptureConfig, m *metrics.Collector, st *store.Store) *Capture {
	cfg.defaults()
	return &Capture{sessions: sessions, mic: mic, cfg: cfg, metrics: m, store: st, now: time.Now}
}

// Start begins recording. It fails without side effects when a session
// cannot be established or the microphone cannot be opened.
func (c *Capture) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return ErrAlreadyRecording
	}
	c.mu.Unlock()

	sess, err := c.sessions.EnsureSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stream, err := c.mic.Open(runCtx, c.cfg.SampleRate)
	if err != nil {
		cancel()
		logging.Warnw("capture: microphone unavailable", "err", err)
		return fmt.Errorf("open microphone: %w", err)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.recording = true
	c.cancel = cancel
	c.stream = &onceCloser{ReadCloser: stream}
	c.cid = uuid.NewString()
	c.captured = nil
	cid := c.cid
	rs := c.stream
	c.mu.Unlock()

	c.metrics.CaptureStarted()
	logging.Infow("capture: recording started", "correlation_id", cid, "sample_rate", c.cfg.SampleRate)
	go c.loop(runCtx, gen, sess, rs)
	return nil
}

func (c *Capture) loop(ctx context.Context, gen uint64, sess channel.Session, r io.Reader) {
	mime := audio.PCMMIME(c.cfg.SampleRate)
	frame := make([]byte, c.cfg.WindowSamples*2)
	lastVoice := c.now()
	for {
		n, err := io.ReadFull(r, frame)
		if n >= 2 {
			data := make([]byte, n-n%2)
			copy(data, frame)
			now := c.now()
			if audio.RMS(audio.DecodePCM16(data)) > c.cfg.Threshold {
				lastVoice = now
			} else if now.Sub(lastVoice) >= c.cfg.SilenceTimeout {
				logging.Infow("capture: silence timeout", "silence_ms", now.Sub(lastVoice).Milliseconds())
				c.metrics.SilenceStop()
				if c.stopGen(gen, false) && c.OnAutoStop != nil {
					c.OnAutoStop()
				}
				return
			}
			if !c.send(ctx, sess, data, mime) {
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logging.Warnw("capture: microphone read failed", "err", err)
			}
			c.stopGen(gen, false)
			return
		}
	}
}

// send forwards one frame unless the recording was stopped. Stop waits for
// an in-flight send, so no frame goes out after Stop returns.
func (c *Capture) send(ctx context.Context, sess channel.Session, data []byte, mime string) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if ctx.Err() != nil {
		return false
	}
	if err := sess.SendAudio(ctx, data, mime); err != nil {
		if ctx.Err() == nil {
			logging.Warnw("capture: send failed; stopping", "err", err)
			go c.Stop(false)
		}
		return false
	}
	if c.store != nil {
		c.mu.Lock()
		c.captured = append(c.captured, data...)
		c.mu.Unlock()
	}
	return true
}

// Stop ends the recording and releases the microphone. Calling it when not
// recording does nothing unless closeSession is set, which also closes the
// conversational session.
func (c *Capture) Stop(closeSession bool) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	if !c.stopGen(gen, closeSession) && closeSession {
		c.sessions.CloseSession()
	}
}

// stopGen stops recording generation gen and reports whether it did.
func (c *Capture) stopGen(gen uint64, closeSession bool) bool {
	c.mu.Lock()
	if !c.recording || c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.recording = false
	cancel, stream := c.cancel, c.stream
	cid, captured := c.cid, c.captured
	c.cancel, c.stream, c.captured = nil, nil, nil
	c.mu.Unlock()

	cancel()
	if err := stream.Close(); err != nil {
		logging.Debugw("capture: close microphone", "err", err)
	}
	// Wait out a frame that is mid-send.
	c.sendMu.Lock()
	c.sendMu.Unlock()

	if closeSession {
		c.sessions.CloseSession()
	}
	logging.Infow("capture: recording stopped", "correlation_id", cid, "close_session", closeSession)
	if len(captured) > 0 {
		if _, err := c.store.PutWAV("capture", cid, captured, c.cfg.SampleRate, 1, nil); err != nil {
			logging.Warnw("capture: saving audio failed", "correlation_id", cid, "err", err)
		}
	}
	return true
}

// Recording reports whether capture is active.
func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.ReadCloser.Close() })
	return o.err
}

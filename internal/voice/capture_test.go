package voice

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clara-voice-lab/internal/audio"
	"github.com/clara-voice-lab/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steppingClock advances by step on every reading.
func steppingClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	t := time.Unix(0, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(step)
		return t
	}
}

func frameOf(v int16, n int) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return audio.EncodePCM16(s)
}

func newTestCapture(p *fakeProvider, mic *fakeMic, st *store.Store) *Capture {
	return NewCapture(p, mic, CaptureConfig{SampleRate: 16000, WindowSamples: 4, SilenceTimeout: 2 * time.Second}, nil, st)
}

func TestCaptureStreamsUntilSilence(t *testing.T) {
	dir := t.TempDir()
	sess := newFakeSession()
	p := &fakeProvider{sess: sess}
	mic := &fakeMic{}
	c := newTestCapture(p, mic, store.New(dir))
	c.now = steppingClock(time.Second)
	stopped := make(chan struct{})
	c.OnAutoStop = func() { close(stopped) }

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Recording())
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRecording)

	w := mic.writer()
	go func() {
		_, _ = w.Write(frameOf(8000, 4))
		_, _ = w.Write(frameOf(0, 4))
		_, _ = w.Write(frameOf(0, 4))
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("silence did not end the recording")
	}
	assert.False(t, c.Recording())
	assert.Equal(t, 2, sess.frames(), "voiced frame and the frame inside the silence window")
	assert.Equal(t, "audio/pcm;rate=16000", sess.mime)
	assert.Equal(t, 1, mic.closeCount())
	assert.Zero(t, p.closeCount(), "auto stop keeps the session")

	wavs, err := filepath.Glob(filepath.Join(dir, "*_capture_*.wav"))
	require.NoError(t, err)
	assert.Len(t, wavs, 1)
}

func TestCaptureStopIsIdempotent(t *testing.T) {
	p := &fakeProvider{sess: newFakeSession()}
	mic := &fakeMic{}
	c := newTestCapture(p, mic, nil)

	c.Stop(false)
	assert.Zero(t, p.closeCount())

	require.NoError(t, c.Start(context.Background()))
	c.Stop(false)
	c.Stop(false)
	assert.False(t, c.Recording())
	assert.Equal(t, 1, mic.closeCount())
	assert.Zero(t, p.closeCount())

	c.Stop(true)
	assert.Equal(t, 1, p.closeCount(), "closing the session works while idle")

	require.NoError(t, c.Start(context.Background()))
	c.Stop(true)
	assert.Equal(t, 2, p.closeCount())
	assert.Equal(t, 2, mic.closeCount())
}

func TestCaptureNoFramesAfterStop(t *testing.T) {
	sess := newFakeSession()
	mic := &fakeMic{}
	c := newTestCapture(&fakeProvider{sess: sess}, mic, nil)
	require.NoError(t, c.Start(context.Background()))

	w := mic.writer()
	_, err := w.Write(frameOf(8000, 4))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sess.frames() == 1 }, time.Second, 5*time.Millisecond)

	c.Stop(false)
	_, err = w.Write(frameOf(8000, 4))
	assert.Error(t, err, "microphone is released")
	assert.Equal(t, 1, sess.frames())
}

func TestCaptureStartFailures(t *testing.T) {
	p := &fakeProvider{err: errors.New("dial refused")}
	mic := &fakeMic{}
	c := newTestCapture(p, mic, nil)
	assert.ErrorIs(t, c.Start(context.Background()), ErrNoSession)
	assert.False(t, c.Recording())
	assert.Zero(t, mic.opens)

	p = &fakeProvider{sess: newFakeSession()}
	mic = &fakeMic{err: errors.New("device busy")}
	c = newTestCapture(p, mic, nil)
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.False(t, c.Recording())
}

func TestCaptureStopsWhenSendFails(t *testing.T) {
	sess := newFakeSession()
	sess.sendErr = errors.New("socket closed")
	mic := &fakeMic{}
	c := newTestCapture(&fakeProvider{sess: sess}, mic, nil)
	require.NoError(t, c.Start(context.Background()))

	go func() { _, _ = mic.writer().Write(frameOf(8000, 4)) }()
	require.Eventually(t, func() bool { return !c.Recording() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, mic.closeCount())
}

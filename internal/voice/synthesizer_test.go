package voice

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/clara-voice-lab/internal/lang"
	"github.com/clara-voice-lab/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSynth(e *fakeEngine, m *metrics.Collector) *Synthesizer {
	return NewSynthesizer(e, lang.NewDetector(), SynthesizerConfig{
		VoiceWait: 20 * time.Millisecond,
		VoicePoll: 5 * time.Millisecond,
	}, m)
}

func multilingualVoices() []Voice {
	return []Voice{
		{Name: "Samantha", Lang: "en-US"},
		{Name: "Lekha", Lang: "hi-IN"},
		{Name: "Geeta", Lang: "te-IN"},
	}
}

func TestSpeakSegmentsInOrderWithDetectedLanguages(t *testing.T) {
	e := &fakeEngine{voices: multilingualVoices(), mode: "ok"}
	s := newTestSynth(e, nil)

	res, err := s.Speak(context.Background(), "**Welcome** to the library. नमस्ते दोस्त। నమస్కారం!", "en")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Segments)
	assert.Equal(t, 3, res.Completed)
	assert.Zero(t, res.Errors)
	assert.False(t, res.TimedOut)

	segs := e.segments()
	require.Len(t, segs, 3)
	assert.Equal(t, "Welcome to the library.", segs[0].Text)
	assert.Equal(t, "en", segs[0].Lang)
	assert.Equal(t, "Samantha", segs[0].Voice.Name)
	assert.Equal(t, "hi", segs[1].Lang)
	assert.Equal(t, "Lekha", segs[1].Voice.Name)
	assert.Equal(t, "te-IN", segs[2].Locale)
	assert.Equal(t, builtinProfiles["te"], segs[2].Profile)
	assert.False(t, s.Active())
}

func TestSpeakCountsErrorsAsCompletions(t *testing.T) {
	m := metrics.New(nil)
	e := &fakeEngine{voices: multilingualVoices(), mode: "alternate"}
	s := newTestSynth(e, m)

	res, err := s.Speak(context.Background(), "One. Two. Three. Four.", "en")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Segments)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, 2, res.Errors)
	assert.False(t, res.TimedOut)
}

func TestSpeakSkipsEmptyAndDuplicate(t *testing.T) {
	e := &fakeEngine{voices: multilingualVoices(), mode: "ok"}
	s := newTestSynth(e, nil)

	res, err := s.Speak(context.Background(), " ** ", "en")
	require.NoError(t, err)
	assert.Equal(t, "empty", res.Skipped)

	_, err = s.Speak(context.Background(), "Hello there.", "en")
	require.NoError(t, err)
	res, err = s.Speak(context.Background(), "Hello **there**.", "en")
	require.NoError(t, err)
	assert.Equal(t, "duplicate", res.Skipped)
	assert.Len(t, e.segments(), 1)

	// Outside the window the same text is spoken again.
	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	res, err = s.Speak(context.Background(), "Hello there.", "en")
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
	assert.Len(t, e.segments(), 2)
}

func TestSpeakQueuesBehindRunningSequence(t *testing.T) {
	e := &fakeEngine{voices: multilingualVoices(), mode: "silent"}
	s := newTestSynth(e, nil)

	first := make(chan SpeakResult, 1)
	go func() {
		res, _ := s.Speak(context.Background(), "First answer.", "en")
		first <- res
	}()
	require.Eventually(t, func() bool { return len(e.segments()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Active())
	assert.Equal(t, 1, s.Remaining())

	second := make(chan SpeakResult, 1)
	go func() {
		res, _ := s.Speak(context.Background(), "Second answer.", "en")
		second <- res
	}()
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, e.segments(), 1, "second sequence waits for the first")

	e.mu.Lock()
	e.mode = "ok"
	e.mu.Unlock()
	s.Cancel()

	select {
	case res := <-first:
		assert.Zero(t, res.Completed)
	case <-time.After(time.Second):
		t.Fatal("cancel did not release the first sequence")
	}
	select {
	case res := <-second:
		assert.Equal(t, 1, res.Completed)
	case <-time.After(time.Second):
		t.Fatal("second sequence never ran")
	}
	assert.Equal(t, "Second answer.", e.segments()[1].Text)
}

func TestSpeakContextCancelStopsEngine(t *testing.T) {
	e := &fakeEngine{voices: multilingualVoices(), mode: "silent"}
	s := newTestSynth(e, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Speak(ctx, "Nobody will hear this.", "en")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	e.mu.Lock()
	assert.Equal(t, 1, e.cancels)
	e.mu.Unlock()
	assert.False(t, s.Active())
}

func TestSpeakWithoutVoicesStillSpeaks(t *testing.T) {
	e := &fakeEngine{mode: "ok"}
	s := newTestSynth(e, nil)
	res, err := s.Speak(context.Background(), "No voices here.", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Nil(t, e.segments()[0].Voice)
}

func TestSequenceTimeout(t *testing.T) {
	floor := 30 * time.Second
	assert.Equal(t, floor, SequenceTimeout(1, 10, floor))
	assert.Equal(t, floor, SequenceTimeout(0, 0, floor))
	// 10 segments of 100 chars: 10 * 10s.
	assert.Equal(t, 100*time.Second, SequenceTimeout(10, 1000, floor))
	// Per-segment allowance is capped at 15s.
	assert.Equal(t, 60*time.Second, SequenceTimeout(4, 4*400, floor))
	// And floored at 5s.
	assert.Equal(t, 40*time.Second, SequenceTimeout(8, 8, floor))
}

func TestPlanCarriesLanguageForward(t *testing.T) {
	s := newTestSynth(&fakeEngine{}, nil)
	segs := s.Plan("నమస్కారం. 42. Okay.", "en", nil)
	require.Len(t, segs, 3)
	assert.Equal(t, "te", segs[0].Lang)
	// Script-free segments keep the response hint.
	assert.Equal(t, "en", segs[1].Lang)
	assert.True(t, strings.HasPrefix(segs[2].Locale, "en"))
}

package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clara-voice-lab/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVoiceList(t *testing.T) {
	out := []byte(`Pty Language       Age/Gender VoiceName          File                 Other Languages
 5  en-us           --/M      English_(America)  gmw/en-US            (en 10)
 5  hi              --/M      Hindi              inc/hi
 5  te              --/M      Telugu             dra/te
bogus line
`)
	got := parseVoiceList(out)
	require.Len(t, got, 3)
	assert.Equal(t, Voice{Name: "English_(America)", Lang: "en-us"}, got[0])
	assert.Equal(t, "te", got[2].Lang)
}

func TestCommandArgs(t *testing.T) {
	args := commandArgs(SegmentRequest{
		Text:    "-dash first",
		Locale:  "hi-IN",
		Profile: Profile{Rate: 0.88, Pitch: 3, Volume: 5},
	})
	assert.Equal(t, []string{"-v", "hi-in", "-s", "154", "-p", "99", "-a", "200", "--", "-dash first"}, args)

	args = commandArgs(SegmentRequest{Text: "hi", Locale: "en-US", Voice: &Voice{Name: "Telugu", Lang: "te"}})
	assert.Equal(t, "te", args[1])
	assert.Equal(t, "161", args[3], "zero profile falls back to the default prosody")
}

func TestCommandEngineRunsSegmentsInOrder(t *testing.T) {
	var mu sync.Mutex
	var spoken []string
	e := &CommandEngine{command: "espeak-ng"}
	e.run = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		mu.Lock()
		spoken = append(spoken, args[len(args)-1])
		mu.Unlock()
		if args[len(args)-1] == "bad" {
			return nil, errors.New("exit status 1")
		}
		return nil, nil
	}
	e.serialQueue = newSerialQueue(e.render)

	var ends, errs atomic.Int32
	cd := NewCountdown(3, 5*time.Second)
	for _, text := range []string{"one", "bad", "three"} {
		e.Speak(context.Background(), SegmentRequest{Text: text, Locale: "en-US"}, Callbacks{
			OnEnd:   func() { ends.Add(1); cd.Done() },
			OnError: func(error) { errs.Add(1); cd.Done() },
		})
	}
	require.NoError(t, cd.Wait(context.Background()))
	assert.False(t, cd.TimedOut())
	assert.Equal(t, int32(2), ends.Load())
	assert.Equal(t, int32(1), errs.Load())
	mu.Lock()
	assert.Equal(t, []string{"one", "bad", "three"}, spoken)
	mu.Unlock()
}

func TestSerialQueueCancelDropsQueued(t *testing.T) {
	release := make(chan struct{})
	var rendered atomic.Int32
	q := newSerialQueue(func(ctx context.Context, req SegmentRequest) error {
		rendered.Add(1)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	errc := make(chan error, 1)
	var ends atomic.Int32
	q.Speak(context.Background(), SegmentRequest{Text: "first"}, Callbacks{OnError: func(err error) { errc <- err }})
	for i := 0; i < 3; i++ {
		q.Speak(context.Background(), SegmentRequest{Text: "queued"}, Callbacks{OnEnd: func() { ends.Add(1) }})
	}
	require.Eventually(t, q.Speaking, time.Second, 5*time.Millisecond)

	q.Cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("running segment was not interrupted")
	}
	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), rendered.Load())
	assert.Zero(t, ends.Load())
	assert.False(t, q.Speaking())
}

func TestNullEngineEndsImmediately(t *testing.T) {
	e := &NullEngine{}
	done := make(chan struct{})
	e.Speak(context.Background(), SegmentRequest{Text: "x"}, Callbacks{OnEnd: func() { close(done) }})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnEnd not called")
	}
	assert.Empty(t, e.Voices())
}

func TestPostWithRetriesRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if calls.Add(1) == 1 {
			// Drop the connection to force a transport error.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("done"))
	}))
	defer srv.Close()

	status, body, err := PostWithRetries(context.Background(), srv.Client(), srv.URL, []byte(`{}`), "secret", 2000, 3, "cid-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "done", string(body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestPostWithRetriesReturnsHTTPErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	status, _, err := PostWithRetries(context.Background(), nil, srv.URL, nil, "", 2000, 3, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTTSClientSynthesize(t *testing.T) {
	pcm := audio.EncodePCM16(make([]int16, 1600))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ttsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "namaste", req.Text)
		assert.Equal(t, "hi-IN", req.Lang)
		assert.Equal(t, "Lekha", req.Voice)
		_, _ = w.Write(audio.WAV(pcm, 16000, 1))
	}))
	defer srv.Close()

	c := &TTSClient{URL: srv.URL, TimeoutMs: 2000}
	buf, err := c.Synthesize(context.Background(), SegmentRequest{Text: "namaste", Locale: "hi-IN", Voice: &Voice{Name: "Lekha"}})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, buf.Duration())

	var empty *TTSClient
	_, err = empty.Synthesize(context.Background(), SegmentRequest{Text: "x"})
	assert.Error(t, err)
}

type recordingSink struct {
	mu     sync.Mutex
	writes int
	resets int
}

func (s *recordingSink) Write([]byte) error { s.mu.Lock(); s.writes++; s.mu.Unlock(); return nil }
func (s *recordingSink) Reset() error       { s.mu.Lock(); s.resets++; s.mu.Unlock(); return nil }
func (s *recordingSink) Close() error       { return nil }

func TestHTTPEngineWritesToSink(t *testing.T) {
	pcm := audio.EncodePCM16(make([]int16, 160))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(audio.WAV(pcm, 16000, 1))
	}))
	defer srv.Close()

	sink := &recordingSink{}
	e := NewHTTPEngine(&TTSClient{URL: srv.URL, TimeoutMs: 2000}, sink)
	assert.NotEmpty(t, e.Voices())

	done := make(chan struct{})
	e.Speak(context.Background(), SegmentRequest{Text: "hello", Locale: "en-US"}, Callbacks{
		OnEnd:   func() { close(done) },
		OnError: func(err error) { t.Errorf("unexpected error: %v", err) },
	})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("segment did not finish")
	}
	sink.mu.Lock()
	assert.Equal(t, 1, sink.writes)
	sink.mu.Unlock()
}

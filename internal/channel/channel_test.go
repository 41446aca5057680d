package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type stubSession struct {
	events    chan Event
	closeOnce sync.Once
	mu        sync.Mutex
	texts     []string
	tools     []ToolResponse
}

func newStubSession() *stubSession { return &stubSession{events: make(chan Event, 8)} }

func (s *stubSession) SendAudio(context.Context, []byte, string) error { return nil }

func (s *stubSession) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return nil
}

func (s *stubSession) SendToolResponse(_ context.Context, r ToolResponse) error {
	s.mu.Lock()
	s.tools = append(s.tools, r)
	s.mu.Unlock()
	return nil
}

func (s *stubSession) Events() <-chan Event { return s.events }

func (s *stubSession) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func TestManagerDialsLazilyAndReuses(t *testing.T) {
	var dials atomic.Int32
	var sessions []*stubSession
	m := NewManager(DialerFunc(func(context.Context) (Session, error) {
		dials.Add(1)
		s := newStubSession()
		sessions = append(sessions, s)
		return s, nil
	}), 8)
	defer m.Close()

	assert.Nil(t, m.Current())
	s1, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	s2, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, int32(1), dials.Load())

	require.NoError(t, m.SendText(context.Background(), "hello"))
	assert.Equal(t, []string{"hello"}, sessions[0].texts)
}

func TestManagerForwardsEventsAndForgetsClosedSession(t *testing.T) {
	var mu sync.Mutex
	var sessions []*stubSession
	m := NewManager(DialerFunc(func(context.Context) (Session, error) {
		s := newStubSession()
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()
		return s, nil
	}), 8)
	defer m.Close()

	_, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	sessions[0].events <- Event{Kind: KindTranscript, Speaker: SpeakerAgent, Text: "hi"}
	assert.Equal(t, "hi", recv(t, m.Events()).Text)

	// Remote side closes: the manager reports it and re-dials on next use.
	_ = sessions[0].Close()
	assert.Equal(t, KindClosed, recv(t, m.Events()).Kind)
	assert.Nil(t, m.Current())

	s, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	mu.Lock()
	assert.Same(t, sessions[1], s)
	mu.Unlock()
}

func TestManagerCloseSessionIsQuiet(t *testing.T) {
	m := NewManager(DialerFunc(func(context.Context) (Session, error) { return newStubSession(), nil }), 8)
	defer m.Close()
	_, err := m.EnsureSession(context.Background())
	require.NoError(t, err)

	m.CloseSession()
	assert.Nil(t, m.Current())
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	assert.ErrorIs(t, m.SendToolResponse(context.Background(), ToolResponse{ID: "x"}), ErrClosed)
}

func TestManagerDialFailure(t *testing.T) {
	m := NewManager(DialerFunc(func(context.Context) (Session, error) { return nil, errors.New("refused") }), 8)
	_, err := m.EnsureSession(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.Nil(t, m.Current())

	m.Close()
	_, err = m.EnsureSession(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, ok := <-m.Events()
	assert.False(t, ok, "events closed after Close")
}

func TestTranslateLiveMessage(t *testing.T) {
	msg := &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			InputTranscription:  &genai.Transcription{Text: "where is"},
			OutputTranscription: &genai.Transcription{Text: "Second floor"},
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{Data: []byte{1, 2}, MIMEType: "audio/pcm;rate=24000"}},
				{Text: "thinking", Thought: true},
			}},
			TurnComplete: true,
		},
	}
	evs := translate(msg)
	require.Len(t, evs, 4)
	assert.Equal(t, Event{Kind: KindTranscript, Speaker: SpeakerUser, Text: "where is"}, evs[0])
	assert.Equal(t, SpeakerAgent, evs[1].Speaker)
	assert.Equal(t, KindAudio, evs[2].Kind)
	assert.Equal(t, "audio/pcm;rate=24000", evs[2].Audio.MIMEType)
	assert.Equal(t, KindTurnComplete, evs[3].Kind)

	evs = translate(&genai.LiveServerMessage{ToolCall: &genai.LiveServerToolCall{
		FunctionCalls: []*genai.FunctionCall{{ID: "c1", Name: "initiateVideoCall", Args: map[string]any{"staffShortName": "NN"}}},
	}})
	require.Len(t, evs, 1)
	assert.Equal(t, "NN", evs[0].Tool.Args["staffShortName"])

	evs = translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}})
	assert.Equal(t, []Event{{Kind: KindInterrupted}}, evs)
}

func TestLiveConfigDeclaresTools(t *testing.T) {
	lc := liveConfig(Config{
		Voice:             "Zephyr",
		SystemInstruction: "Be brief.",
		Tools: []ToolSpec{{
			Name:   "initiateVideoCall",
			Params: []ParamSpec{{Name: "staffShortName", Enum: []string{"LDN", "NN"}, Required: true}},
		}},
	})
	require.Len(t, lc.Tools, 1)
	fd := lc.Tools[0].FunctionDeclarations[0]
	assert.Equal(t, "initiateVideoCall", fd.Name)
	assert.Equal(t, []string{"staffShortName"}, fd.Parameters.Required)
	assert.Equal(t, []string{"LDN", "NN"}, fd.Parameters.Properties["staffShortName"].Enum)
	assert.Equal(t, "Zephyr", lc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	assert.Equal(t, []genai.Modality{genai.ModalityAudio}, lc.ResponseModalities)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "turn_complete", KindTurnComplete.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

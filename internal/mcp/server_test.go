package mcp

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/clara-voice-lab/internal/call"
	"github.com/clara-voice-lab/internal/voice"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCalls struct {
	target string
	media  call.MediaKind
	ended  string
	err    error
}

func (f *fakeCalls) Start(target, purpose string, media call.MediaKind) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.target, f.media = target, media
	return "call-1", nil
}

func (f *fakeCalls) End(reason string) error {
	if f.err != nil {
		return f.err
	}
	f.ended = reason
	return nil
}

type fakeSpeaker struct {
	said []string
	diag voice.Diagnostics
}

func (f *fakeSpeaker) Speak(text, _ string) error {
	f.said = append(f.said, text)
	return nil
}

func (f *fakeSpeaker) Diagnostics() voice.Diagnostics { return f.diag }

func connect(t *testing.T, b Backend) *sdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	ct, st := sdk.NewInMemoryTransports()
	server := NewServer("clara-test", "v0", b)
	ss, err := server.Connect(ctx, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	cs, err := sdk.NewClient(&sdk.Implementation{Name: "test", Version: "v0"}, nil).Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func structured(t *testing.T, res *sdk.CallToolResult) map[string]interface{} {
	t.Helper()
	require.False(t, res.IsError, "tool returned error: %+v", res.Content)
	m, ok := res.StructuredContent.(map[string]interface{})
	require.True(t, ok, "structured content %T", res.StructuredContent)
	return m
}

func failed(res *sdk.CallToolResult, err error) bool {
	return err != nil || (res != nil && res.IsError)
}

func TestToolsAreListed(t *testing.T) {
	cs := connect(t, Backend{Calls: &fakeCalls{}, Speaker: &fakeSpeaker{}})
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"start_call", "end_call", "speak", "status"}, names)
}

func TestStartCallResolvesStaff(t *testing.T) {
	calls := &fakeCalls{}
	cs := connect(t, Backend{Calls: calls, Speaker: &fakeSpeaker{}, Directory: call.NewDirectory(nil)})
	ctx := context.Background()

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "start_call", Arguments: map[string]interface{}{"target": "abp", "audio_only": true}})
	require.NoError(t, err)
	out := structured(t, res)
	assert.Equal(t, "call-1", out["call_id"])
	assert.Equal(t, "amarnathbpatil", out["target"])
	assert.Equal(t, "amarnathbpatil", calls.target)
	assert.Equal(t, call.AudioOnly, calls.media)

	res, err = cs.CallTool(ctx, &sdk.CallToolParams{Name: "start_call", Arguments: map[string]interface{}{"target": "visitor-desk"}})
	require.NoError(t, err)
	assert.Equal(t, "visitor-desk", structured(t, res)["target"], "unknown targets pass through")
	assert.Equal(t, call.AudioVideo, calls.media)

	res, err = cs.CallTool(ctx, &sdk.CallToolParams{Name: "start_call", Arguments: map[string]interface{}{"target": " "}})
	assert.True(t, failed(res, err))
}

func TestStartCallReportsBusy(t *testing.T) {
	cs := connect(t, Backend{Calls: &fakeCalls{err: call.ErrCallActive}, Speaker: &fakeSpeaker{}})
	res, err := cs.CallTool(context.Background(), &sdk.CallToolParams{Name: "start_call", Arguments: map[string]interface{}{"target": "LDN"}})
	assert.True(t, failed(res, err))
}

func TestEndCallAndSpeak(t *testing.T) {
	calls := &fakeCalls{}
	sp := &fakeSpeaker{}
	cs := connect(t, Backend{Calls: calls, Speaker: sp})
	ctx := context.Background()

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "end_call", Arguments: map[string]interface{}{"reason": "operator"}})
	require.NoError(t, err)
	assert.Equal(t, true, structured(t, res)["ended"])
	assert.Equal(t, "operator", calls.ended)

	res, err = cs.CallTool(ctx, &sdk.CallToolParams{Name: "speak", Arguments: map[string]interface{}{"text": "The library closes at six."}})
	require.NoError(t, err)
	assert.Equal(t, true, structured(t, res)["queued"])
	assert.Equal(t, []string{"The library closes at six."}, sp.said)

	res, err = cs.CallTool(ctx, &sdk.CallToolParams{Name: "speak", Arguments: map[string]interface{}{"text": ""}})
	assert.True(t, failed(res, err))

	calls.err = errors.New("no call")
	res, err = cs.CallTool(ctx, &sdk.CallToolParams{Name: "end_call", Arguments: map[string]interface{}{}})
	assert.True(t, failed(res, err))
}

func TestStatusReportsCallAndAudio(t *testing.T) {
	sp := &fakeSpeaker{diag: voice.Diagnostics{Mode: voice.ModeSuspended, Lang: "te", Confidence: 0.75, SuspendReason: "call c9"}}
	b := Backend{
		Calls:   &fakeCalls{},
		Speaker: sp,
		State: func() (call.Session, bool) {
			return call.Session{ID: "c9", Target: "nishask", State: call.InCall}, true
		},
	}
	cs := connect(t, b)
	res, err := cs.CallTool(context.Background(), &sdk.CallToolParams{Name: "status", Arguments: map[string]interface{}{}})
	require.NoError(t, err)
	out := structured(t, res)
	assert.Equal(t, "in_call", out["call_state"])
	assert.Equal(t, "c9", out["call_id"])
	assert.Equal(t, "suspended", out["audio_mode"])
	assert.Equal(t, "te", out["lang"])
	assert.InDelta(t, 0.75, out["confidence"], 1e-9)

	b.State = nil
	assert.Equal(t, "idle", b.Status().CallState)
}

func TestWebSocketSession(t *testing.T) {
	sp := &fakeSpeaker{diag: voice.Diagnostics{Mode: voice.ModeIdle, Lang: "en"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(Handler(ctx, NewServer("clara-test", "v0", Backend{Speaker: sp})))
	defer srv.Close()

	cs, err := Dial(ctx, srv.URL, "test", "v0")
	require.NoError(t, err)
	defer cs.Close()

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "status", Arguments: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, "idle", structured(t, res)["audio_mode"])

	res, err = cs.CallTool(ctx, &sdk.CallToolParams{Name: "end_call", Arguments: map[string]interface{}{}})
	assert.True(t, failed(res, err), "no call backend configured")
}

func TestDialRejectsBadScheme(t *testing.T) {
	_, err := Dial(context.Background(), "ftp://example.com/mcp", "t", "v0")
	assert.Error(t, err)
}

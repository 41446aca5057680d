package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relay runs a test server that records the frames it receives and lets the
// test push frames to the client.
type relay struct {
	srv      *httptest.Server
	received chan Frame
	conns    chan *websocket.Conn
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{received: make(chan Frame, 16), conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- conn
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			r.received <- f
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func TestWSURL(t *testing.T) {
	u, err := WSURL("https://relay.example/live")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example/live", u)
	u, err = WSURL("ws://localhost:9000")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9000", u)
	_, err = WSURL("ftp://x")
	assert.Error(t, err)
}

func TestWSDialerRoundTrip(t *testing.T) {
	r := newRelay(t)
	d := &WSDialer{URL: r.srv.URL, Client: "kiosk-1", Config: Config{Model: "m", Tools: []ToolSpec{{Name: "initiateVideoCall"}}}}
	sess, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	setup := <-r.received
	assert.Equal(t, FrameSetup, setup.Type)
	require.NotNil(t, setup.Setup)
	assert.Equal(t, "kiosk-1", setup.Setup.Client)
	assert.Equal(t, "initiateVideoCall", setup.Setup.Tools[0].Name)

	ctx := context.Background()
	require.NoError(t, sess.SendAudio(ctx, []byte{1, 2, 3, 4}, "audio/pcm;rate=16000"))
	f := <-r.received
	assert.Equal(t, FrameAudio, f.Type)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.Data)
	require.NoError(t, sess.SendToolResponse(ctx, ToolResponse{ID: "c1", Name: "initiateVideoCall", Result: map[string]interface{}{"ok": true}}))
	f = <-r.received
	assert.Equal(t, "c1", f.ID)
	assert.Equal(t, true, f.Result["ok"])

	srvConn := <-r.conns
	require.NoError(t, srvConn.WriteJSON(Frame{Type: FrameTranscript, Speaker: "user", Text: "hello"}))
	require.NoError(t, srvConn.WriteJSON(Frame{Type: "unknown"}))
	require.NoError(t, srvConn.WriteJSON(Frame{Type: FrameAudio, MIME: "audio/pcm;rate=24000", Data: []byte{9, 9}}))
	require.NoError(t, srvConn.WriteJSON(Frame{Type: FrameToolCall, ID: "c2", Name: "initiateVideoCall", Args: map[string]interface{}{"staffShortName": "GD"}}))
	require.NoError(t, srvConn.WriteJSON(Frame{Type: FrameTurnComplete}))

	ev := recv(t, sess.Events())
	assert.Equal(t, SpeakerUser, ev.Speaker)
	ev = recv(t, sess.Events())
	assert.Equal(t, []byte{9, 9}, ev.Audio.Data)
	ev = recv(t, sess.Events())
	assert.Equal(t, "GD", ev.Tool.Args["staffShortName"])
	assert.Equal(t, KindTurnComplete, recv(t, sess.Events()).Kind)

	// Server hangs up: events closes.
	_ = srvConn.Close()
	for ev := range sess.Events() {
		assert.Equal(t, KindError, ev.Kind)
	}
	assert.ErrorIs(t, sess.SendText(ctx, "late"), ErrClosed)
}

func TestWSDialerFailsFast(t *testing.T) {
	d := &WSDialer{URL: "http://127.0.0.1:1/none"}
	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "relay dial"))
}

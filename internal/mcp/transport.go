package mcp

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/logging"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type wsTransport struct{ conn *websocket.Conn }

func (t *wsTransport) Connect(ctx context.Context) (sdk.Connection, error) {
	return &wsConnection{conn: t.conn}, nil
}

// wsConnection carries one JSON-RPC message per websocket frame. gorilla
// allows one concurrent writer, so writes are serialized.
type wsConnection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(dl)
		defer w.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return jsonrpc.DecodeMessage(data)
}

func (w *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConnection) Close() error      { return w.conn.Close() }
func (w *wsConnection) SessionID() string { return "" }

// NewWebSocketTransport wraps an established websocket for either side of
// an MCP session.
func NewWebSocketTransport(conn *websocket.Conn) sdk.Transport {
	return &wsTransport{conn: conn}
}

// Handler upgrades each request and serves one MCP session on it until the
// peer disconnects or ctx ends.
func Handler(ctx context.Context, server *sdk.Server) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("mcp: ws upgrade failed", "err", err, "remote", r.RemoteAddr)
			return
		}
		go func() {
			ss, err := server.Connect(ctx, NewWebSocketTransport(conn), nil)
			if err != nil {
				logging.Warnw("mcp: server connect failed", "err", err)
				_ = conn.Close()
				return
			}
			logging.Infow("mcp: session opened", "remote", r.RemoteAddr)
			stop := context.AfterFunc(ctx, func() { _ = ss.Close() })
			defer stop()
			if err := ss.Wait(); err != nil {
				logging.Debugw("mcp: session ended with error", "err", err)
				return
			}
			logging.Infow("mcp: session ended", "remote", r.RemoteAddr)
		}()
	})
}

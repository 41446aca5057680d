package mcp

import (
	"context"
	"fmt"

	"github.com/clara-voice-lab/internal/channel"
	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Dial connects an MCP client to a control server's websocket endpoint.
// http and https URLs are accepted and mapped to ws and wss.
func Dial(ctx context.Context, rawurl, name, version string) (*sdk.ClientSession, error) {
	u, err := channel.WSURL(rawurl)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp dial %s: %w", u, err)
	}
	client := sdk.NewClient(&sdk.Implementation{Name: name, Version: version}, nil)
	sess, err := client.Connect(ctx, NewWebSocketTransport(conn), nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sess, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/clara-voice-lab/internal/mcp"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const controlPath = "/mcp/ws"

// controlURL turns an MCP_ADDR listen address into a URL a client can
// dial. Full URLs pass through unchanged.
func controlURL(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("MCP_ADDR is not set")
	}
	if strings.Contains(addr, "://") {
		return addr, nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parse MCP_ADDR %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + controlPath, nil
}

// runStatus asks a running instance for its status tool output and
// prints it to out.
func runStatus(ctx context.Context, addr string, out io.Writer) error {
	u, err := controlURL(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cs, err := mcp.Dial(ctx, u, "clara-ctl", version)
	if err != nil {
		return err
	}
	defer cs.Close()

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "status", Arguments: map[string]interface{}{}})
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if res.IsError {
		return fmt.Errorf("status: %s", toolText(res))
	}
	if res.StructuredContent != nil {
		b, err := json.MarshalIndent(res.StructuredContent, "", "  ")
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	}
	_, err = fmt.Fprintln(out, toolText(res))
	return err
}

func toolText(res *sdk.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if t, ok := c.(*sdk.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

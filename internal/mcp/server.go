// Package mcp exposes the front-end's control surface as MCP tools over a
// websocket, so operators and automation can start and end calls, make the
// kiosk speak and read its state.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clara-voice-lab/internal/call"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/clara-voice-lab/internal/voice"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Calls is the slice of call.Coordinator the tools drive.
type Calls interface {
	Start(target, purpose string, media call.MediaKind) (string, error)
	End(reason string) error
}

type Speaker interface {
	Speak(text, langHint string) error
	Diagnostics() voice.Diagnostics
}

// Backend bundles what the tools need. State may be nil when no call
// machine is wired.
type Backend struct {
	Calls     Calls
	Speaker   Speaker
	Directory call.Directory
	State     func() (call.Session, bool)
}

type StartCallInput struct {
	Target    string `json:"target" jsonschema:"staff short code, signaling id or full name"`
	Purpose   string `json:"purpose,omitempty" jsonschema:"why the visitor wants to talk"`
	AudioOnly bool   `json:"audio_only,omitempty" jsonschema:"skip the camera"`
}

type StartCallOutput struct {
	CallID string `json:"call_id"`
	Target string `json:"target"`
	Staff  string `json:"staff,omitempty"`
}

type EndCallInput struct {
	Reason string `json:"reason,omitempty" jsonschema:"recorded in the call summary"`
}

type EndCallOutput struct {
	Ended bool `json:"ended"`
}

type SpeakInput struct {
	Text string `json:"text" jsonschema:"text to speak with the local voice"`
	Lang string `json:"lang,omitempty" jsonschema:"language code hint such as te or hi"`
}

type SpeakOutput struct {
	Queued bool `json:"queued"`
}

type StatusInput struct{}

// Status mirrors the diagnostics snapshot plus the call state.
type Status struct {
	CallState     string  `json:"call_state"`
	CallID        string  `json:"call_id,omitempty"`
	CallTarget    string  `json:"call_target,omitempty"`
	AudioMode     string  `json:"audio_mode"`
	QueueSize     int     `json:"queue_size"`
	NextStartMs   int64   `json:"next_start_ms"`
	LastChunkMs   int64   `json:"last_chunk_ms"`
	Lang          string  `json:"lang"`
	Confidence    float64 `json:"confidence"`
	SuspendReason string  `json:"suspend_reason,omitempty"`
}

// NewServer registers the control tools on a fresh MCP server.
func NewServer(name, version string, b Backend) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: name, Version: version}, nil)

	sdk.AddTool(server, &sdk.Tool{Name: "start_call", Description: "Call a staff member on behalf of the visitor."},
		func(ctx context.Context, _ *sdk.CallToolRequest, in StartCallInput) (*sdk.CallToolResult, StartCallOutput, error) {
			return b.startCall(in)
		})
	sdk.AddTool(server, &sdk.Tool{Name: "end_call", Description: "Hang up the active call."},
		func(ctx context.Context, _ *sdk.CallToolRequest, in EndCallInput) (*sdk.CallToolResult, EndCallOutput, error) {
			if b.Calls == nil {
				return nil, EndCallOutput{}, errors.New("calls are not configured")
			}
			if err := b.Calls.End(in.Reason); err != nil {
				return nil, EndCallOutput{}, err
			}
			return nil, EndCallOutput{Ended: true}, nil
		})
	sdk.AddTool(server, &sdk.Tool{Name: "speak", Description: "Speak text through the local voice, interrupting remote audio."},
		func(ctx context.Context, _ *sdk.CallToolRequest, in SpeakInput) (*sdk.CallToolResult, SpeakOutput, error) {
			if strings.TrimSpace(in.Text) == "" {
				return nil, SpeakOutput{}, errors.New("text is required")
			}
			if err := b.Speaker.Speak(in.Text, in.Lang); err != nil {
				return nil, SpeakOutput{}, err
			}
			logging.Infow("mcp: speak", "chars", len([]rune(in.Text)), "lang", in.Lang)
			return nil, SpeakOutput{Queued: true}, nil
		})
	sdk.AddTool(server, &sdk.Tool{Name: "status", Description: "Report the audio mode, language and call state."},
		func(ctx context.Context, _ *sdk.CallToolRequest, _ StatusInput) (*sdk.CallToolResult, Status, error) {
			return nil, b.Status(), nil
		})
	return server
}

func (b Backend) startCall(in StartCallInput) (*sdk.CallToolResult, StartCallOutput, error) {
	if b.Calls == nil {
		return nil, StartCallOutput{}, errors.New("calls are not configured")
	}
	target := strings.TrimSpace(in.Target)
	if target == "" {
		return nil, StartCallOutput{}, errors.New("target is required")
	}
	out := StartCallOutput{Target: target}
	if s, ok := b.Directory.Lookup(target); ok {
		out.Target, out.Staff = s.ID, s.Name
	}
	media := call.AudioVideo
	if in.AudioOnly {
		media = call.AudioOnly
	}
	id, err := b.Calls.Start(out.Target, in.Purpose, media)
	if err != nil {
		return nil, StartCallOutput{}, fmt.Errorf("start call: %w", err)
	}
	out.CallID = id
	logging.Infow("mcp: call started", "call_id", id, "target", out.Target)
	return nil, out, nil
}

// Status builds the status snapshot.
func (b Backend) Status() Status {
	d := b.Speaker.Diagnostics()
	st := Status{
		CallState:     call.Idle.String(),
		AudioMode:     string(d.Mode),
		QueueSize:     d.QueueSize,
		NextStartMs:   d.NextStart.Milliseconds(),
		LastChunkMs:   d.LastChunkDuration.Milliseconds(),
		Lang:          d.Lang,
		Confidence:    d.Confidence,
		SuspendReason: d.SuspendReason,
	}
	if b.State != nil {
		if sess, ok := b.State(); ok {
			st.CallState = sess.State.String()
			st.CallID = sess.ID
			st.CallTarget = sess.Target
		}
	}
	return st
}

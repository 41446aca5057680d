// Package channel is the client side of the remote conversational service:
// audio and text go out, transcripts, synthesized audio chunks, turn
// boundaries and tool invocations come back.
package channel

import (
	"context"
	"errors"

	"github.com/clara-voice-lab/internal/audio"
)

var ErrClosed = errors.New("channel: session closed")

type Kind int

const (
	KindTranscript Kind = iota
	KindAudio
	KindTurnComplete
	KindToolCall
	KindInterrupted
	KindClosed
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindTranscript:
		return "transcript"
	case KindAudio:
		return "audio"
	case KindTurnComplete:
		return "turn_complete"
	case KindToolCall:
		return "tool_call"
	case KindInterrupted:
		return "interrupted"
	case KindClosed:
		return "closed"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

type ToolCall struct {
	ID   string
	Name string
	Args map[string]interface{}
}

type ToolResponse struct {
	ID     string
	Name   string
	Result map[string]interface{}
}

// Event is one inbound message. Only the fields matching Kind are set.
type Event struct {
	Kind    Kind
	Speaker Speaker
	Text    string
	Audio   audio.Chunk
	Tool    ToolCall
	Err     error
}

// Session is one live connection. Events is closed when the session ends
// for any reason.
type Session interface {
	SendAudio(ctx context.Context, data []byte, mimeType string) error
	SendText(ctx context.Context, text string) error
	SendToolResponse(ctx context.Context, resp ToolResponse) error
	Events() <-chan Event
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/audio"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/gorilla/websocket"
)

// Frame is the JSON envelope spoken with a conversational relay. Audio
// bytes travel base64 encoded in Data.
type Frame struct {
	Type    string                 `json:"type"`
	Speaker string                 `json:"speaker,omitempty"`
	Text    string                 `json:"text,omitempty"`
	MIME    string                 `json:"mime,omitempty"`
	Data    []byte                 `json:"data,omitempty"`
	ID      string                 `json:"id,omitempty"`
	Name    string                 `json:"name,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Message string                 `json:"message,omitempty"`
	Setup   *Setup                 `json:"setup,omitempty"`
}

// Setup is sent once, first, on every relay connection.
type Setup struct {
	Client            string     `json:"client,omitempty"`
	Model             string     `json:"model,omitempty"`
	Voice             string     `json:"voice,omitempty"`
	SystemInstruction string     `json:"system_instruction,omitempty"`
	Tools             []ToolSpec `json:"tools,omitempty"`
}

const (
	FrameSetup        = "setup"
	FrameAudio        = "audio"
	FrameText         = "text"
	FrameToolResponse = "tool_response"
	FrameTranscript   = "transcript"
	FrameTurnComplete = "turn_complete"
	FrameInterrupted  = "interrupted"
	FrameToolCall     = "tool_call"
	FrameError        = "error"
)

// WSURL normalizes http(s) URLs to their websocket schemes.
func WSURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// WSDialer connects to a relay that fronts the conversational model with
// the Frame protocol.
type WSDialer struct {
	URL    string
	Client string
	Header http.Header
	Config Config
	// WriteTimeout bounds each frame write; zero means 10s.
	WriteTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context) (Session, error) {
	u, err := WSURL(d.URL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, d.Header)
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	s := &wsSession{conn: conn, writeTimeout: wt, events: make(chan Event, 64), done: make(chan struct{})}
	setup := &Setup{
		Client:            d.Client,
		Model:             d.Config.Model,
		Voice:             d.Config.Voice,
		SystemInstruction: d.Config.SystemInstruction,
		Tools:             d.Config.Tools,
	}
	if err := s.write(ctx, Frame{Type: FrameSetup, Setup: setup}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay setup: %w", err)
	}
	go s.read()
	logging.Infow("relay: session connected", "url", u)
	return s, nil
}

type wsSession struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	events       chan Event
	done         chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *wsSession) Events() <-chan Event { return s.events }

func (s *wsSession) write(ctx context.Context, f Frame) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	dl := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}
	_ = s.conn.SetWriteDeadline(dl)
	defer s.conn.SetWriteDeadline(time.Time{})
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) SendAudio(ctx context.Context, data []byte, mimeType string) error {
	return s.write(ctx, Frame{Type: FrameAudio, MIME: mimeType, Data: data})
}

func (s *wsSession) SendText(ctx context.Context, text string) error {
	return s.write(ctx, Frame{Type: FrameText, Text: text})
}

func (s *wsSession) SendToolResponse(ctx context.Context, resp ToolResponse) error {
	return s.write(ctx, Frame{Type: FrameToolResponse, ID: resp.ID, Name: resp.Name, Result: resp.Result})
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// WriteControl may run alongside a blocked WriteMessage.
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *wsSession) read() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed() {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logging.Warnw("relay: read failed", "err", err)
					s.emit(Event{Kind: KindError, Err: err})
				}
				_ = s.Close()
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logging.Debugw("relay: bad frame", "err", err, "bytes", len(data))
			continue
		}
		ev, ok := frameEvent(f)
		if !ok {
			logging.Debugw("relay: ignoring frame", "type", f.Type)
			continue
		}
		if !s.emit(ev) {
			return
		}
	}
}

func (s *wsSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func frameEvent(f Frame) (Event, bool) {
	switch f.Type {
	case FrameTranscript:
		sp := SpeakerAgent
		if f.Speaker == string(SpeakerUser) {
			sp = SpeakerUser
		}
		return Event{Kind: KindTranscript, Speaker: sp, Text: f.Text}, true
	case FrameAudio:
		return Event{Kind: KindAudio, Audio: audio.Chunk{Data: f.Data, MIMEType: f.MIME}}, true
	case FrameTurnComplete:
		return Event{Kind: KindTurnComplete}, true
	case FrameInterrupted:
		return Event{Kind: KindInterrupted}, true
	case FrameToolCall:
		return Event{Kind: KindToolCall, Tool: ToolCall{ID: f.ID, Name: f.Name, Args: f.Args}}, true
	case FrameError:
		return Event{Kind: KindError, Err: fmt.Errorf("relay: %s", f.Message)}, true
	}
	return Event{}, false
}

package call

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/channel"
	"github.com/clara-voice-lab/internal/logging"
	"github.com/gorilla/websocket"
)

// StartRequest is what the signaling service needs to ring an operator.
type StartRequest struct {
	CallID     string
	Target     string
	Purpose    string
	ClientName string
}

type SignalKind int

const (
	SignalRinging SignalKind = iota
	SignalAccepted
	SignalDeclined
	SignalEnded
	SignalError
)

func (k SignalKind) String() string {
	switch k {
	case SignalRinging:
		return "ringing"
	case SignalAccepted:
		return "accepted"
	case SignalDeclined:
		return "declined"
	case SignalEnded:
		return "ended"
	case SignalError:
		return "error"
	}
	return "unknown"
}

// Signal is one inbound signaling event. An error with no CallID means the
// signaling connection itself failed.
type Signal struct {
	Kind   SignalKind
	CallID string
	Room   string
	Reason string
}

type Signaler interface {
	StartCall(ctx context.Context, req StartRequest) error
	EndCall(ctx context.Context, callID string) error
	Signals() <-chan Signal
}

type signalFrame struct {
	Type       string `json:"type"`
	CallID     string `json:"call_id,omitempty"`
	Target     string `json:"target,omitempty"`
	Purpose    string `json:"purpose,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
	ClientName string `json:"client_name,omitempty"`
	Room       string `json:"room,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

var inboundKinds = map[string]SignalKind{
	"call.ringing":  SignalRinging,
	"call.accepted": SignalAccepted,
	"call.declined": SignalDeclined,
	"call.ended":    SignalEnded,
	"call.error":    SignalError,
}

// WSSignaler talks JSON frames to the call signaling service. It connects
// on first use and reconnects on the next call after a failure.
type WSSignaler struct {
	URL      string
	Token    string
	ClientID string

	signals chan Signal
	done    chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewWSSignaler(url, token, clientID string) *WSSignaler {
	return &WSSignaler{URL: url, Token: token, ClientID: clientID, signals: make(chan Signal, 16), done: make(chan struct{})}
}

func (s *WSSignaler) Signals() <-chan Signal { return s.signals }

func (s *WSSignaler) connect(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, channel.ErrClosed
	}
	if s.conn != nil {
		return s.conn, nil
	}
	u, err := channel.WSURL(s.URL)
	if err != nil {
		return nil, fmt.Errorf("signaling url: %w", err)
	}
	hdr := http.Header{}
	if s.Token != "" {
		hdr.Set("Authorization", "Bearer "+s.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, hdr)
	if err != nil {
		return nil, fmt.Errorf("signaling dial: %w", err)
	}
	s.conn = conn
	s.wg.Add(1)
	go s.read(conn)
	logging.Infow("signaling: connected", "url", u)
	return conn, nil
}

func (s *WSSignaler) send(ctx context.Context, f signalFrame) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dl := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}
	_ = conn.SetWriteDeadline(dl)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.dropLocked(conn)
		return fmt.Errorf("signaling write: %w", err)
	}
	return nil
}

func (s *WSSignaler) StartCall(ctx context.Context, req StartRequest) error {
	return s.send(ctx, signalFrame{
		Type:       "call.start",
		CallID:     req.CallID,
		Target:     req.Target,
		Purpose:    req.Purpose,
		ClientID:   s.ClientID,
		ClientName: req.ClientName,
	})
}

func (s *WSSignaler) EndCall(ctx context.Context, callID string) error {
	return s.send(ctx, signalFrame{Type: "call.end", CallID: callID, ClientID: s.ClientID})
}

func (s *WSSignaler) dropLocked(conn *websocket.Conn) {
	if s.conn == conn {
		s.conn = nil
	}
	_ = conn.Close()
}

func (s *WSSignaler) read(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closing := s.closed
			s.dropLocked(conn)
			s.mu.Unlock()
			if !closing {
				logging.Warnw("signaling: connection lost", "err", err)
				s.emit(Signal{Kind: SignalError, Reason: "signaling connection lost"})
			}
			return
		}
		var f signalFrame
		if err := json.Unmarshal(data, &f); err != nil {
			logging.Debugw("signaling: bad frame", "err", err)
			continue
		}
		kind, ok := inboundKinds[f.Type]
		if !ok {
			logging.Debugw("signaling: ignoring frame", "type", f.Type)
			continue
		}
		s.emit(Signal{Kind: kind, CallID: f.CallID, Room: f.Room, Reason: f.Reason})
	}
}

func (s *WSSignaler) emit(sig Signal) {
	select {
	case s.signals <- sig:
	case <-s.done:
	}
}

// Close drops the connection and closes Signals.
func (s *WSSignaler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		if s.conn != nil {
			s.dropLocked(s.conn)
		}
		s.mu.Unlock()
		s.wg.Wait()
		close(s.signals)
	})
	return nil
}

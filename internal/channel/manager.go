package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/clara-voice-lab/internal/logging"
)

// Manager owns at most one live Session. It dials lazily, forgets the
// session as soon as it closes so the next use re-dials, and fans every
// session's events into one stable channel.
type Manager struct {
	dialer Dialer
	events chan Event
	done   chan struct{}

	dialMu sync.Mutex
	mu     sync.Mutex
	cur    Session
	closed bool
	wg     sync.WaitGroup
}

func NewManager(d Dialer, buffer int) *Manager {
	if buffer <= 0 {
		buffer = 64
	}
	return &Manager{dialer: d, events: make(chan Event, buffer), done: make(chan struct{})}
}

// Events delivers events from every session in arrival order. It is closed
// by Close.
func (m *Manager) Events() <-chan Event { return m.events }

// Current returns the live session or nil.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// EnsureSession returns the live session, dialing a new one when there is
// none. Dial failures leave the manager without a session.
func (m *Manager) EnsureSession(ctx context.Context) (Session, error) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.cur != nil {
		s := m.cur
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := m.dialer.Dial(ctx)
	if err != nil {
		logging.Warnw("channel: dial failed", "err", err)
		return nil, fmt.Errorf("channel: dial: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.Close()
		return nil, ErrClosed
	}
	m.cur = s
	m.wg.Add(1)
	m.mu.Unlock()

	go m.pump(s)
	logging.Infow("channel: session opened")
	return s, nil
}

func (m *Manager) pump(s Session) {
	defer m.wg.Done()
	for ev := range s.Events() {
		m.deliver(ev)
	}
	m.mu.Lock()
	current := m.cur == s
	if current {
		m.cur = nil
	}
	m.mu.Unlock()
	if current {
		logging.Infow("channel: session closed")
		m.deliver(Event{Kind: KindClosed})
	}
}

// deliver drops events once the manager is closed so pumps never block on
// a reader that has gone away.
func (m *Manager) deliver(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// CloseSession closes the live session, if any. The next EnsureSession
// dials again.
func (m *Manager) CloseSession() {
	m.mu.Lock()
	s := m.cur
	m.cur = nil
	m.mu.Unlock()
	if s != nil {
		if err := s.Close(); err != nil {
			logging.Debugw("channel: close session", "err", err)
		}
	}
}

// SendText sends text on the live session, dialing one if needed.
func (m *Manager) SendText(ctx context.Context, text string) error {
	s, err := m.EnsureSession(ctx)
	if err != nil {
		return err
	}
	return s.SendText(ctx, text)
}

// SendToolResponse answers a tool call on the live session. It never dials:
// a response for a session that is gone has nowhere to go.
func (m *Manager) SendToolResponse(ctx context.Context, resp ToolResponse) error {
	s := m.Current()
	if s == nil {
		return ErrClosed
	}
	return s.SendToolResponse(ctx, resp)
}

// Close ends the live session and closes Events once all pumps finish.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()
	m.CloseSession()
	go func() {
		m.wg.Wait()
		close(m.events)
	}()
}

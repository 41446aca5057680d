package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/clara-voice-lab/internal/logging"
	"github.com/clara-voice-lab/internal/metrics"
	"github.com/google/uuid"
)

// Session is the single call a client may have. Copies handed out by the
// machine are snapshots.
type Session struct {
	ID          string
	Target      string
	Purpose     string
	Media       MediaKind
	Room        string
	State       State
	Local       Track
	Remote      Track
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	Reason      string
	// RemoteEnded is set when the far side ended or refused the call.
	RemoteEnded bool
}

type NoticeKind int

const (
	// NoticeState reports every transition.
	NoticeState NoticeKind = iota
	// NoticeNeedPermission asks the media broker for devices. It is only
	// ever emitted on entering Preparing.
	NoticeNeedPermission
	// NoticeEnded fires exactly once per call.
	NoticeEnded
)

type Notice struct {
	Kind    NoticeKind
	From    State
	To      State
	Session Session
}

// Machine owns the call lifecycle. All mutations go through its transition
// methods. Listeners run on the caller's goroutine, in transition order, and
// must not call transition methods synchronously.
type Machine struct {
	metrics *metrics.Collector
	now     func() time.Time

	mu        sync.Mutex
	sess      *Session
	lastEnded string
	listeners []func(Notice)

	// seq serializes transitions with their notices.
	seq sync.Mutex
}

func NewMachine(m *metrics.Collector) *Machine {
	return &Machine{metrics: m, now: time.Now}
}

// Subscribe registers fn for every notice. Call before any transition.
func (m *Machine) Subscribe(fn func(Notice)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Idle
	}
	return m.sess.State
}

// Current returns a snapshot of the active call.
func (m *Machine) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{}, false
	}
	return *m.sess, true
}

func (m *Machine) CanInitiate() bool { return m.State() == Idle }

// Initiate creates a call and enters Preparing. It is rejected unless the
// machine is Idle.
func (m *Machine) Initiate(target, purpose string, media MediaKind) (string, error) {
	m.seq.Lock()
	defer m.seq.Unlock()
	m.mu.Lock()
	if m.sess != nil {
		st := m.sess.State
		m.mu.Unlock()
		logging.Warnw("call: initiate rejected", "state", st.String(), "target", target)
		return "", fmt.Errorf("%w: state %s", ErrCallActive, st)
	}
	if media == "" {
		media = AudioVideo
	}
	m.sess = &Session{
		ID:        uuid.NewString(),
		Target:    target,
		Purpose:   purpose,
		Media:     media,
		State:     Idle,
		StartedAt: m.now(),
	}
	notices := m.moveLocked(Preparing)
	notices = append(notices, Notice{Kind: NoticeNeedPermission, From: Preparing, To: Preparing, Session: *m.sess})
	id := m.sess.ID
	m.mu.Unlock()

	m.publish(notices)
	return id, nil
}

// PermissionGranted attaches the local media and starts dialing.
func (m *Machine) PermissionGranted(callID string, local Track) error {
	return m.step(callID, Dialing, func(s *Session) { s.Local = local }, Preparing)
}

// PermissionCancelled ends the call before anything was signaled.
func (m *Machine) PermissionCancelled(callID string) error {
	return m.finish(callID, ReasonPermissionCanceled, false, Preparing)
}

// Ringing records that the operator is being alerted.
func (m *Machine) Ringing(callID string) error {
	return m.step(callID, Ringing, nil, Dialing)
}

// Accepted moves to Connecting once the operator picked up.
func (m *Machine) Accepted(callID, room string) error {
	return m.step(callID, Connecting, func(s *Session) { s.Room = room }, Dialing, Ringing)
}

// Connected enters InCall with the remote media attached.
func (m *Machine) Connected(callID string, remote Track) error {
	return m.step(callID, InCall, func(s *Session) {
		s.Remote = remote
		s.ConnectedAt = m.now()
	}, Connecting)
}

// Declined ends a call the operator refused.
func (m *Machine) Declined(callID, reason string) error {
	if reason == "" {
		reason = ReasonDeclined
	}
	return m.finish(callID, reason, true, Dialing, Ringing, Connecting)
}

// RemoteEnded ends a call the far side hung up.
func (m *Machine) RemoteEnded(callID string) error {
	return m.finish(callID, ReasonRemoteHangup, true, Preparing, Dialing, Ringing, Connecting, InCall)
}

// Failed ends the call after a signaling or transport error.
func (m *Machine) Failed(callID, reason string) error {
	return m.finish(callID, reason, false, Preparing, Dialing, Ringing, Connecting, InCall)
}

// End hangs up locally from any active state. Ending a call that already
// ended is a no-op, so concurrent local and remote hangups notify once.
func (m *Machine) End(callID, reason string) error {
	if reason == "" {
		reason = ReasonLocalHangup
	}
	return m.finish(callID, reason, false, Preparing, Dialing, Ringing, Connecting, InCall)
}

func (m *Machine) step(callID string, to State, mutate func(*Session), from ...State) error {
	m.seq.Lock()
	defer m.seq.Unlock()
	m.mu.Lock()
	if err := m.checkLocked(callID, to, from); err != nil {
		m.mu.Unlock()
		return err
	}
	if mutate != nil {
		mutate(m.sess)
	}
	notices := m.moveLocked(to)
	m.mu.Unlock()
	m.publish(notices)
	return nil
}

// finish moves to Ended, emits the single Ended notice and returns to Idle.
func (m *Machine) finish(callID, reason string, remote bool, from ...State) error {
	m.seq.Lock()
	defer m.seq.Unlock()
	m.mu.Lock()
	if m.sess == nil && callID != "" && callID == m.lastEnded {
		m.mu.Unlock()
		logging.Debugw("call: duplicate end ignored", "call_id", callID, "reason", reason)
		return nil
	}
	if err := m.checkLocked(callID, Ended, from); err != nil {
		m.mu.Unlock()
		return err
	}
	m.sess.Reason = reason
	m.sess.RemoteEnded = remote
	m.sess.EndedAt = m.now()
	notices := m.moveLocked(Ended)
	notices = append(notices, Notice{Kind: NoticeEnded, From: Ended, To: Ended, Session: *m.sess})
	notices = append(notices, m.moveLocked(Idle)...)
	m.lastEnded = m.sess.ID
	m.sess = nil
	m.mu.Unlock()

	m.publish(notices)
	return nil
}

func (m *Machine) checkLocked(callID string, to State, from []State) error {
	if m.sess == nil {
		logging.Warnw("call: transition rejected while idle", "to", to.String(), "call_id", callID)
		return fmt.Errorf("%w: idle to %s", ErrInvalidTransition, to)
	}
	if callID != m.sess.ID {
		return fmt.Errorf("%w: %q (active %q)", ErrUnknownCall, callID, m.sess.ID)
	}
	for _, s := range from {
		if m.sess.State == s {
			return nil
		}
	}
	logging.Warnw("call: transition rejected", "call_id", callID, "state", m.sess.State.String(), "to", to.String())
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.sess.State, to)
}

func (m *Machine) moveLocked(to State) []Notice {
	from := m.sess.State
	m.sess.State = to
	m.metrics.CallTransition(from.String(), to.String())
	logging.Infow("call: state changed", append(logging.CallFields(m.sess.ID, to.String()), "from", from.String())...)
	return []Notice{{Kind: NoticeState, From: from, To: to, Session: *m.sess}}
}

func (m *Machine) publish(notices []Notice) {
	m.mu.Lock()
	listeners := make([]func(Notice), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, n := range notices {
		for _, fn := range listeners {
			fn(n)
		}
	}
}

// Package call coordinates live calls to a human operator: a pure state
// machine guarding the call lifecycle, and a coordinator that drives it
// from signaling, device permission and peer transport events.
package call

import "errors"

var (
	ErrInvalidTransition   = errors.New("call: invalid transition")
	ErrCallActive          = errors.New("call: another call is active")
	ErrUnknownCall         = errors.New("call: unknown call id")
	ErrPermissionCancelled = errors.New("call: device permission cancelled")
)

type State int

const (
	Idle State = iota
	Preparing
	Dialing
	Ringing
	Connecting
	InCall
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Dialing:
		return "dialing"
	case Ringing:
		return "ringing"
	case Connecting:
		return "connecting"
	case InCall:
		return "in_call"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// MediaKind is the device hint handed to the permission surface.
type MediaKind string

const (
	AudioOnly  MediaKind = "audio"
	AudioVideo MediaKind = "audio_video"
)

// Track is a live media handle. Stop releases the underlying device and
// must be safe to call more than once.
type Track interface {
	Stop()
}

// End reasons.
const (
	ReasonLocalHangup        = "local_hangup"
	ReasonRemoteHangup       = "remote_hangup"
	ReasonDeclined           = "declined"
	ReasonPermissionCanceled = "permission_cancelled"
	ReasonSignalingError     = "signaling_error"
	ReasonPeerError          = "peer_error"
	ReasonShutdown           = "shutdown"
)

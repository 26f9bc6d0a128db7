// Package call orchestrates signaling, transport and media into one call
// lifecycle: a small operation surface (start, join, toggles, end) over a
// single state machine with a bounded retry policy and a deterministic
// cleanup contract.
package call

import (
	"errors"
	"fmt"
)

// Phase is the session's position in the call lifecycle.
//
//	Idle → Creating/Joining → AwaitingPeer → Connected → Ended
//
// Failed is reachable from any non-terminal phase; Ended is terminal and
// always reachable through End.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCreating
	PhaseJoining
	PhaseAwaitingPeer
	PhaseConnected
	PhaseFailed
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCreating:
		return "creating"
	case PhaseJoining:
		return "joining"
	case PhaseAwaitingPeer:
		return "awaiting-peer"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	case PhaseEnded:
		return "ended"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// terminal reports whether no further transition can leave p. Failed is not
// terminal: End still moves the session to Ended.
func (p Phase) terminal() bool {
	return p == PhaseEnded
}

// Reason says why a session entered the failed phase.
type Reason int

const (
	ReasonUnknown Reason = iota

	// ReasonMediaUnavailable: local capture could not be acquired within the
	// bounded retries. A fresh session may try again.
	ReasonMediaUnavailable

	// ReasonConnectTimeout: no remote stream arrived within the bounded
	// await windows.
	ReasonConnectTimeout

	// ReasonPeerDisconnected: the transport crossed into failed or closed.
	// Never retried silently; the caller chooses between End and a new
	// session.
	ReasonPeerDisconnected

	// ReasonSignaling: the signaling store refused or lost an operation the
	// setup needed.
	ReasonSignaling

	// ReasonSetup: the transport could not be built or the offer/answer
	// handshake failed locally.
	ReasonSetup
)

func (r Reason) String() string {
	switch r {
	case ReasonMediaUnavailable:
		return "media unavailable"
	case ReasonConnectTimeout:
		return "connection timeout"
	case ReasonPeerDisconnected:
		return "peer disconnected"
	case ReasonSignaling:
		return "signaling failure"
	case ReasonSetup:
		return "setup failure"
	default:
		return "unknown"
	}
}

// Failure is the error carried into the failed phase. It wraps the causing
// error, so errors.Is still matches the underlying sentinel.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Reason.String()
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ErrSessionBusy reports a Start or Join on a session that already ran one.
// Sessions are single-shot: one call attempt each.
var ErrSessionBusy = errors.New("call session already started")

// ErrSessionEnded reports a Start or Join overtaken by End: teardown already
// ran, the setup released whatever it had acquired, and the session is done.
var ErrSessionEnded = errors.New("call session already ended")

package util

import "github.com/google/uuid"

// NewCallID returns a fresh call channel identifier. UUIDs keep IDs
// unguessable; holding one is what authorizes joining the call.
func NewCallID() string {
	return uuid.NewString()
}

// NewPeerID returns a display identifier for this process's peer.
func NewPeerID() string {
	return "peer-" + uuid.NewString()[:8]
}

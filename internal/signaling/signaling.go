// Package signaling implements the out-of-band channel two peers use to
// discover each other: a document store holding one CallRecord per call plus
// two append-only ICE candidate logs, one per role. Three stores exist —
// MemoryStore (in-process), MongoStore (shared MongoDB deployment) and
// HTTPStore (client for the signald server). SDP and candidate payloads are
// moved verbatim; this package never parses them.
package signaling

import (
	"errors"
	"time"
)

// Role identifies which side of a call a peer plays. The caller creates the
// channel and writes the offer; the callee answers it. Each role appends
// candidates to its own log and watches the other's.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// LogName returns the wire name of the candidate log this role writes to.
func (r Role) LogName() string {
	if r == RoleCaller {
		return "callerCandidates"
	}
	return "calleeCandidates"
}

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleCaller || r == RoleCallee
}

// SessionDescription carries an SDP offer or answer verbatim.
type SessionDescription struct {
	Type string `json:"type" bson:"type"`
	SDP  string `json:"sdp" bson:"sdp"`
}

// CallRecord is the document describing one call channel.
//
// Offer is written exactly once, at creation. Answer and AnsweredBy are
// written exactly once, together, by a successful SetAnswer; every later
// attempt fails. Deleting the record is the authoritative "call over"
// signal for any peer still watching it.
type CallRecord struct {
	ID         string              `json:"id" bson:"_id"`
	Offer      SessionDescription  `json:"offer" bson:"offer"`
	Answer     *SessionDescription `json:"answer,omitempty" bson:"answer,omitempty"`
	CreatedBy  string              `json:"createdBy" bson:"created_by"`
	AnsweredBy string              `json:"answeredBy,omitempty" bson:"answered_by,omitempty"`
	CreatedAt  time.Time           `json:"createdAt" bson:"created_at"`
}

// Answered reports whether the record already carries an answer.
func (r *CallRecord) Answered() bool {
	return r != nil && r.Answer != nil
}

// Clone returns a deep copy, safe to hand to watchers.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Answer != nil {
		answer := *r.Answer
		out.Answer = &answer
	}
	return &out
}

var (
	// ErrChannelNotFound reports a channel ID that no store document backs,
	// either because it never existed or because the call is already over.
	ErrChannelNotFound = errors.New("call channel not found")

	// ErrAlreadyAnswered reports a SetAnswer attempt on a channel whose
	// answer slot is taken. The call stays intact for the winning pair.
	ErrAlreadyAnswered = errors.New("call channel already answered")
)

package signaling

import (
	"context"
	"encoding/json"
)

// Store is the document-store capability backing call signaling. All methods
// are safe for concurrent use.
//
// Watch methods deliver events on their own goroutine, one event at a time,
// in per-log order; a slow callback delays later events for that subscriber
// only, never the writers. The returned stop function cancels the
// subscription and is idempotent.
type Store interface {
	// CreateChannel allocates a channel ID and writes the CallRecord with
	// the given offer. The offer is immutable afterwards.
	CreateChannel(ctx context.Context, offer SessionDescription, createdBy string) (string, error)

	// GetChannel fetches the current record snapshot.
	// Returns ErrChannelNotFound if no record backs the ID.
	GetChannel(ctx context.Context, channelID string) (*CallRecord, error)

	// SetAnswer writes the answer and the answering peer's ID in one atomic
	// step. At most one SetAnswer ever succeeds per channel; later attempts
	// return ErrAlreadyAnswered. Returns ErrChannelNotFound if no record
	// backs the ID.
	SetAnswer(ctx context.Context, channelID string, answer SessionDescription, answeredBy string) error

	// WatchChannel subscribes to record mutations, principally the arrival
	// of the answer. Every mutation after the subscription is delivered at
	// least once; a record already answered at subscribe time is delivered
	// immediately, so the answer can never fall between a read and the
	// watch. Deletion is delivered as a nil record and ends the
	// subscription's useful life.
	WatchChannel(ctx context.Context, channelID string, onUpdate func(*CallRecord)) (stop func(), err error)

	// AppendCandidate appends one candidate payload to the log owned by
	// role. The payload is opaque and stored verbatim. Failures are always
	// surfaced: a silently dropped candidate can cost the connection.
	AppendCandidate(ctx context.Context, channelID string, role Role, payload json.RawMessage) error

	// WatchCandidates subscribes to the log owned by role, delivering the
	// backlog first and live appends after, each payload exactly once per
	// subscriber. Ordering across the two role logs is not defined.
	WatchCandidates(ctx context.Context, channelID string, role Role, onCandidate func(json.RawMessage)) (stop func(), err error)

	// DeleteChannel removes the record and both candidate logs. Deleting a
	// missing channel is a no-op, so repeated teardown is safe.
	DeleteChannel(ctx context.Context, channelID string) error
}

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newSignaldPair spins up an in-process signald (MemoryStore behind Server)
// and returns an HTTPStore pointed at it.
func newSignaldPair(t *testing.T) *HTTPStore {
	t.Helper()

	srv := NewServer(NewMemoryStore(), "sesame")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	hs, err := NewHTTPStore(ts.URL + "?token=sesame")
	if err != nil {
		t.Fatalf("NewHTTPStore: %v", err)
	}
	return hs
}

// TestHTTPStoreRoundTrip drives the whole record lifecycle through signald:
// create, fetch, answer, answer conflict, delete, gone.
func TestHTTPStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	hs := newSignaldPair(t)

	id, err := hs.CreateChannel(ctx, testOffer(), "peer-caller")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if id == "" {
		t.Fatal("CreateChannel returned empty ID")
	}

	rec, err := hs.GetChannel(ctx, id)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if rec.ID != id || rec.Offer.SDP != testOffer().SDP || rec.CreatedBy != "peer-caller" {
		t.Errorf("fetched record %+v does not match created channel", rec)
	}
	if rec.Answered() {
		t.Error("fresh record already answered")
	}

	if err := hs.SetAnswer(ctx, id, testAnswer(1), "peer-callee"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if err := hs.SetAnswer(ctx, id, testAnswer(2), "peer-late"); !errors.Is(err, ErrAlreadyAnswered) {
		t.Errorf("second SetAnswer = %v, want ErrAlreadyAnswered", err)
	}

	rec, err = hs.GetChannel(ctx, id)
	if err != nil {
		t.Fatalf("GetChannel after answer: %v", err)
	}
	if !rec.Answered() || rec.AnsweredBy != "peer-callee" {
		t.Errorf("record %+v, want answered by peer-callee", rec)
	}

	if err := hs.DeleteChannel(ctx, id); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if err := hs.DeleteChannel(ctx, id); err != nil {
		t.Fatalf("DeleteChannel (repeat): %v", err)
	}
	if _, err := hs.GetChannel(ctx, id); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("GetChannel after delete = %v, want ErrChannelNotFound", err)
	}
}

func TestHTTPStoreUnknownChannel(t *testing.T) {
	ctx := context.Background()
	hs := newSignaldPair(t)

	if _, err := hs.GetChannel(ctx, "doesnotexist"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("GetChannel = %v, want ErrChannelNotFound", err)
	}
	if _, err := hs.WatchChannel(ctx, "doesnotexist", func(*CallRecord) {}); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("WatchChannel = %v, want ErrChannelNotFound", err)
	}
	if _, err := hs.WatchCandidates(ctx, "doesnotexist", RoleCaller, func(json.RawMessage) {}); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("WatchCandidates = %v, want ErrChannelNotFound", err)
	}
}

func TestHTTPStoreRejectsBadToken(t *testing.T) {
	srv := NewServer(NewMemoryStore(), "sesame")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	hs, err := NewHTTPStore(ts.URL + "?token=wrong")
	if err != nil {
		t.Fatalf("NewHTTPStore: %v", err)
	}

	_, err = hs.CreateChannel(context.Background(), testOffer(), "peer-x")
	if err == nil {
		t.Fatal("CreateChannel with wrong token succeeded")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error %v does not surface the auth rejection", err)
	}
}

// TestHTTPStoreWatchChannel pushes the answer and the deletion through the
// WebSocket watch stream.
func TestHTTPStoreWatchChannel(t *testing.T) {
	ctx := context.Background()
	hs := newSignaldPair(t)

	id, err := hs.CreateChannel(ctx, testOffer(), "peer-caller")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	updates := make(chan *CallRecord, 4)
	stop, err := hs.WatchChannel(ctx, id, func(rec *CallRecord) {
		updates <- rec
	})
	if err != nil {
		t.Fatalf("WatchChannel: %v", err)
	}
	defer stop()

	if err := hs.SetAnswer(ctx, id, testAnswer(1), "peer-callee"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	select {
	case rec := <-updates:
		if !rec.Answered() || rec.Answer.SDP != testAnswer(1).SDP {
			t.Fatalf("watch delivered %+v, want the answer", rec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no answer update over WS")
	}

	if err := hs.DeleteChannel(ctx, id); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}

	select {
	case rec := <-updates:
		if rec != nil {
			t.Fatalf("deletion delivered %+v, want nil", rec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no deletion update over WS")
	}
}

// TestHTTPStoreCandidateStream verifies exactly-once delivery across the WS
// boundary, backlog included.
func TestHTTPStoreCandidateStream(t *testing.T) {
	ctx := context.Background()
	hs := newSignaldPair(t)

	id, err := hs.CreateChannel(ctx, testOffer(), "peer-caller")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	const backlog = 3
	const live = 7

	for i := range backlog {
		if err := hs.AppendCandidate(ctx, id, RoleCallee, candidatePayload(i)); err != nil {
			t.Fatalf("AppendCandidate (backlog): %v", err)
		}
	}

	got := make(chan string, backlog+live)
	stop, err := hs.WatchCandidates(ctx, id, RoleCallee, func(p json.RawMessage) {
		got <- string(p)
	})
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}
	defer stop()

	for i := range live {
		if err := hs.AppendCandidate(ctx, id, RoleCallee, candidatePayload(backlog+i)); err != nil {
			t.Fatalf("AppendCandidate (live): %v", err)
		}
	}

	seen := make(map[string]int)
	deadline := time.After(5 * time.Second)
	for range backlog + live {
		select {
		case p := <-got:
			seen[p]++
		case <-deadline:
			t.Fatalf("timed out, got %d of %d candidates", len(seen), backlog+live)
		}
	}

	for i := range backlog + live {
		want := string(candidatePayload(i))
		if seen[want] != 1 {
			t.Errorf("payload %d delivered %d times, want exactly once", i, seen[want])
		}
	}
}

func TestHTTPStoreRejectsMalformedCandidate(t *testing.T) {
	ctx := context.Background()
	hs := newSignaldPair(t)

	id, err := hs.CreateChannel(ctx, testOffer(), "peer-caller")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	err = hs.AppendCandidate(ctx, id, RoleCaller, json.RawMessage(`{not json`))
	if err == nil {
		t.Fatal("malformed payload accepted")
	}
	if errors.Is(err, ErrChannelNotFound) || errors.Is(err, ErrAlreadyAnswered) {
		t.Errorf("malformed payload mapped to %v", err)
	}
}

package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/1ureka.net.call/internal/media"
	"github.com/1ureka/1ureka.net.call/internal/peer"
	"github.com/1ureka/1ureka.net.call/internal/signaling"
)

func testConfig(store signaling.Store, peerID string) Config {
	return Config{
		Store:           store,
		Acquirer:        media.NewSyntheticAcquirer(),
		PeerID:          peerID,
		Peer:            peer.Config{Loopback: true},
		MediaRetryDelay: time.Millisecond,
	}
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.End)
	return s
}

func watchPhases(s *Session) <-chan Phase {
	ch := make(chan Phase, 16)
	s.OnPhaseChange(func(p Phase) { ch <- p })
	return ch
}

func waitPhase(t *testing.T, ch <-chan Phase, want Phase, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case p := <-ch:
			if p == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s", want)
		}
	}
}

// flakyAcquirer fails a set number of times before delegating to the
// synthetic acquirer.
type flakyAcquirer struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (a *flakyAcquirer) Acquire(ctx context.Context, c media.Constraints) (media.Stream, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.mu.Unlock()

	if n <= a.failures {
		return nil, media.ErrDeviceUnavailable
	}
	return media.NewSyntheticAcquirer().Acquire(ctx, c)
}

func (a *flakyAcquirer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestStartCreatesRecordEndDeletes(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore()
	s := newTestSession(t, testConfig(store, "peer-a"))

	id, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Phase() != PhaseAwaitingPeer {
		t.Fatalf("phase after Start = %s, want awaiting-peer", s.Phase())
	}

	rec, err := store.GetChannel(ctx, id)
	if err != nil {
		t.Fatalf("GetChannel after Start: %v", err)
	}
	if rec.CreatedBy != "peer-a" || rec.Offer.SDP == "" {
		t.Errorf("record = createdBy %q, offer %d bytes; want peer-a with a non-empty offer",
			rec.CreatedBy, len(rec.Offer.SDP))
	}

	s.End()
	if s.Phase() != PhaseEnded {
		t.Fatalf("phase after End = %s, want ended", s.Phase())
	}
	if _, err := store.GetChannel(ctx, id); !errors.Is(err, signaling.ErrChannelNotFound) {
		t.Fatalf("record after initiator End: got %v, want ErrChannelNotFound", err)
	}

	// Idempotent teardown: a second End changes nothing and does not panic.
	s.End()
	if s.Phase() != PhaseEnded {
		t.Fatal("second End moved the phase")
	}
}

func TestJoinUnknownChannel(t *testing.T) {
	store := signaling.NewMemoryStore()
	s := newTestSession(t, testConfig(store, "peer-b"))
	phases := watchPhases(s)

	err := s.Join(context.Background(), "doesnotexist")
	if !errors.Is(err, signaling.ErrChannelNotFound) {
		t.Fatalf("Join(unknown): got %v, want ErrChannelNotFound", err)
	}
	if s.Phase() != PhaseIdle {
		t.Fatalf("phase after refused Join = %s, want idle", s.Phase())
	}
	select {
	case p := <-phases:
		t.Fatalf("refused Join emitted phase %s", p)
	default:
	}
}

// TestJoinReusableAfterRefusal verifies that a mistyped channel ID does not
// burn the session: the corrected Join still works.
func TestJoinReusableAfterRefusal(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore()

	caller := newTestSession(t, testConfig(store, "peer-a"))
	id, err := caller.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	joiner := newTestSession(t, testConfig(store, "peer-b"))
	if err := joiner.Join(ctx, "wrong-id"); !errors.Is(err, signaling.ErrChannelNotFound) {
		t.Fatalf("Join(wrong): got %v, want ErrChannelNotFound", err)
	}
	if err := joiner.Join(ctx, id); err != nil {
		t.Fatalf("Join after refusal: %v", err)
	}
	if joiner.Phase() != PhaseAwaitingPeer {
		t.Fatalf("phase after Join = %s, want awaiting-peer", joiner.Phase())
	}
}

// TestJoinerEndKeepsRecord pins the cleanup ownership rule: only the
// initiator's End deletes the shared record.
func TestJoinerEndKeepsRecord(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore()

	caller := newTestSession(t, testConfig(store, "peer-a"))
	id, err := caller.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	joiner := newTestSession(t, testConfig(store, "peer-b"))
	if err := joiner.Join(ctx, id); err != nil {
		t.Fatalf("Join: %v", err)
	}

	joiner.End()
	if _, err := store.GetChannel(ctx, id); err != nil {
		t.Fatalf("record after joiner End: %v, want intact", err)
	}

	caller.End()
	if _, err := store.GetChannel(ctx, id); !errors.Is(err, signaling.ErrChannelNotFound) {
		t.Fatalf("record after initiator End: got %v, want ErrChannelNotFound", err)
	}
}

func TestSessionSingleShot(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore()
	s := newTestSession(t, testConfig(store, "peer-a"))

	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Start(ctx); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second Start: got %v, want ErrSessionBusy", err)
	}
	if err := s.Join(ctx, "whatever"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("Join after Start: got %v, want ErrSessionBusy", err)
	}
}

func TestAbandonedCallTimesOut(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore()

	cfg := testConfig(store, "peer-a")
	cfg.AwaitTimeout = 30 * time.Millisecond
	cfg.ConnectRetries = 2
	s := newTestSession(t, cfg)
	phases := watchPhases(s)

	errCh := make(chan error, 4)
	s.OnError(func(err error) { errCh <- err })

	started := time.Now()
	id, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitPhase(t, phases, PhaseFailed, 2*time.Second)
	if elapsed := time.Since(started); elapsed < 60*time.Millisecond {
		t.Errorf("failed after %s, before both %s windows could elapse", elapsed, cfg.AwaitTimeout)
	}

	select {
	case err := <-errCh:
		var failure *Failure
		if !errors.As(err, &failure) || failure.Reason != ReasonConnectTimeout {
			t.Fatalf("surfaced error = %v, want Failure with connection timeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error surfaced for the abandoned call")
	}

	// End after the failure still removes the record.
	s.End()
	if _, err := store.GetChannel(ctx, id); !errors.Is(err, signaling.ErrChannelNotFound) {
		t.Fatalf("record after End: got %v, want ErrChannelNotFound", err)
	}
}

func TestMediaAcquisitionRetries(t *testing.T) {
	store := signaling.NewMemoryStore()
	acq := &flakyAcquirer{failures: 2}

	cfg := testConfig(store, "peer-a")
	cfg.Acquirer = acq
	s := newTestSession(t, cfg)

	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start with recovering acquirer: %v", err)
	}
	if got := acq.callCount(); got != 3 {
		t.Errorf("acquirer called %d times, want 3", got)
	}
}

func TestMediaAcquisitionExhausted(t *testing.T) {
	store := signaling.NewMemoryStore()
	acq := &flakyAcquirer{failures: 100}

	cfg := testConfig(store, "peer-a")
	cfg.Acquirer = acq
	cfg.MediaRetries = 2
	s := newTestSession(t, cfg)

	errCh := make(chan error, 1)
	s.OnError(func(err error) { errCh <- err })

	_, err := s.Start(context.Background())
	if !errors.Is(err, media.ErrDeviceUnavailable) {
		t.Fatalf("Start: got %v, want ErrDeviceUnavailable", err)
	}
	if got := acq.callCount(); got != 2 {
		t.Errorf("acquirer called %d times, want 2", got)
	}
	if s.Phase() != PhaseFailed {
		t.Fatalf("phase = %s, want failed", s.Phase())
	}

	select {
	case err := <-errCh:
		var failure *Failure
		if !errors.As(err, &failure) || failure.Reason != ReasonMediaUnavailable {
			t.Fatalf("surfaced error = %v, want Failure with media unavailable", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error surfaced for exhausted acquisition")
	}
}

// gatedAcquirer blocks inside Acquire until released, ignoring the context —
// the worst-case capture backend — and hands out a stream whose release can
// be observed.
type gatedAcquirer struct {
	entered chan struct{}
	release chan struct{}
	stream  *closeTrackedStream
}

func newGatedAcquirer() *gatedAcquirer {
	return &gatedAcquirer{entered: make(chan struct{}), release: make(chan struct{})}
}

func (a *gatedAcquirer) Acquire(_ context.Context, c media.Constraints) (media.Stream, error) {
	close(a.entered)
	<-a.release

	inner, err := media.NewSyntheticAcquirer().Acquire(context.Background(), c)
	if err != nil {
		return nil, err
	}
	a.stream = &closeTrackedStream{Stream: inner, closed: make(chan struct{})}
	return a.stream, nil
}

type closeTrackedStream struct {
	media.Stream
	closed chan struct{}
	once   sync.Once
}

func (s *closeTrackedStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(func() { close(s.closed) })
	return err
}

func (s *closeTrackedStream) released() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// TestEndDuringStartReleasesMedia hangs up while Start is suspended inside
// media acquisition. Start must not carry on building the call: it releases
// the stream the acquirer handed out after teardown and reports the ended
// session.
func TestEndDuringStartReleasesMedia(t *testing.T) {
	store := signaling.NewMemoryStore()
	acq := newGatedAcquirer()

	cfg := testConfig(store, "peer-a")
	cfg.Acquirer = acq
	s := newTestSession(t, cfg)

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := s.Start(context.Background())
		done <- result{id, err}
	}()

	<-acq.entered
	s.End()
	close(acq.release)

	res := <-done
	if !errors.Is(res.err, ErrSessionEnded) {
		t.Fatalf("Start overtaken by End: got (%q, %v), want ErrSessionEnded", res.id, res.err)
	}
	if res.id != "" {
		t.Errorf("Start returned channel ID %q after End", res.id)
	}
	if s.Phase() != PhaseEnded {
		t.Fatalf("phase = %s, want ended", s.Phase())
	}
	if acq.stream == nil || !acq.stream.released() {
		t.Fatal("stream acquired mid-teardown was not released")
	}
}

// TestEndDuringJoinReleasesMedia is the joiner-side counterpart: the record
// stays untouched (cleanup ownership) and the overtaken Join leaks nothing.
func TestEndDuringJoinReleasesMedia(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore()

	caller := newTestSession(t, testConfig(store, "peer-a"))
	id, err := caller.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	acq := newGatedAcquirer()
	cfg := testConfig(store, "peer-b")
	cfg.Acquirer = acq
	joiner := newTestSession(t, cfg)

	done := make(chan error, 1)
	go func() { done <- joiner.Join(ctx, id) }()

	<-acq.entered
	joiner.End()
	close(acq.release)

	if err := <-done; !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Join overtaken by End: got %v, want ErrSessionEnded", err)
	}
	if joiner.Phase() != PhaseEnded {
		t.Fatalf("phase = %s, want ended", joiner.Phase())
	}
	if acq.stream == nil || !acq.stream.released() {
		t.Fatal("stream acquired mid-teardown was not released")
	}
	if _, err := store.GetChannel(ctx, id); err != nil {
		t.Fatalf("record after joiner End: %v, want intact", err)
	}
}

// gatedStore blocks CreateChannel between the insert and its return, opening
// the window where teardown runs before the session learns the channel ID.
type gatedStore struct {
	signaling.Store
	created chan string
	release chan struct{}
}

func newGatedStore(inner signaling.Store) *gatedStore {
	return &gatedStore{Store: inner, created: make(chan string, 1), release: make(chan struct{})}
}

func (g *gatedStore) CreateChannel(ctx context.Context, offer signaling.SessionDescription, createdBy string) (string, error) {
	id, err := g.Store.CreateChannel(ctx, offer, createdBy)
	if err == nil {
		g.created <- id
		<-g.release
	}
	return id, err
}

// TestEndDuringStartRemovesFreshRecord hangs up after the record insert but
// before Start adopts the channel ID. Teardown could not know the record
// existed, so Start itself must delete it — the initiator owns the record no
// matter how the race falls.
func TestEndDuringStartRemovesFreshRecord(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore(signaling.NewMemoryStore())

	s := newTestSession(t, testConfig(store, "peer-a"))

	done := make(chan error, 1)
	go func() {
		_, err := s.Start(ctx)
		done <- err
	}()

	id := <-store.created
	s.End()
	close(store.release)

	if err := <-done; !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Start overtaken by End: got %v, want ErrSessionEnded", err)
	}
	if _, err := store.GetChannel(ctx, id); !errors.Is(err, signaling.ErrChannelNotFound) {
		t.Fatalf("record after overtaken Start: got %v, want ErrChannelNotFound", err)
	}
}

func TestTogglesAreNoopsOutsideActivePhases(t *testing.T) {
	store := signaling.NewMemoryStore()
	s := newTestSession(t, testConfig(store, "peer-a"))

	// Idle: nothing to toggle, nothing to panic over.
	if muted := s.ToggleMute(); !muted {
		t.Error("ToggleMute in idle: want muted=true")
	}
	if enabled := s.ToggleVideo(); enabled {
		t.Error("ToggleVideo in idle: want enabled=false")
	}
	s.SwitchCamera()

	s.End()
	s.ToggleMute()
	s.ToggleVideo()
	s.SwitchCamera()
}

// TestHappyPathLoopback runs the full scenario over real loopback ICE: A
// starts, B joins, both sides reach Connected and observe remote media, and
// A hanging up ends B's session through the record deletion.
func TestHappyPathLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback ICE handshake takes seconds")
	}

	ctx := context.Background()
	store := signaling.NewMemoryStore()

	caller := newTestSession(t, testConfig(store, "peer-a"))
	joiner := newTestSession(t, testConfig(store, "peer-b"))
	callerPhases := watchPhases(caller)
	joinerPhases := watchPhases(joiner)

	var remoteWg sync.WaitGroup
	remoteWg.Add(2)
	var once1, once2 sync.Once
	caller.OnRemoteStream(func(*peer.RemoteStream) { once1.Do(remoteWg.Done) })
	joiner.OnRemoteStream(func(*peer.RemoteStream) { once2.Do(remoteWg.Done) })

	id, err := caller.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := joiner.Join(ctx, id); err != nil {
		t.Fatalf("Join: %v", err)
	}

	waitPhase(t, callerPhases, PhaseConnected, 20*time.Second)
	waitPhase(t, joinerPhases, PhaseConnected, 20*time.Second)

	remoteDone := make(chan struct{})
	go func() { remoteWg.Wait(); close(remoteDone) }()
	select {
	case <-remoteDone:
	case <-time.After(10 * time.Second):
		t.Fatal("remote streams not observed on both sides")
	}

	if caller.RemoteStream() == nil || joiner.RemoteStream() == nil {
		t.Fatal("RemoteStream() nil after Connected")
	}

	// Toggles are live while connected.
	if muted := caller.ToggleMute(); !muted {
		t.Error("ToggleMute while connected: want muted=true")
	}
	if muted := caller.ToggleMute(); muted {
		t.Error("second ToggleMute: want muted=false")
	}

	// The initiator hanging up deletes the record; the joiner observes the
	// deletion and ends without touching it.
	caller.End()
	waitPhase(t, joinerPhases, PhaseEnded, 10*time.Second)

	if _, err := store.GetChannel(ctx, id); !errors.Is(err, signaling.ErrChannelNotFound) {
		t.Fatalf("record after hang-up: got %v, want ErrChannelNotFound", err)
	}
}

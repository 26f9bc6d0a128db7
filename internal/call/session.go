package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.call/internal/media"
	"github.com/1ureka/1ureka.net.call/internal/peer"
	"github.com/1ureka/1ureka.net.call/internal/quality"
	"github.com/1ureka/1ureka.net.call/internal/signaling"
	"github.com/1ureka/1ureka.net.call/internal/util"
)

// Session is one call attempt, initiating or joining. It owns the local
// stream exclusively, receives (never owns) the remote stream, and guarantees
// that End releases everything it acquired no matter where in the lifecycle
// it is called.
//
// A session is single-shot: after Ended or Failed, place a new call with a
// new Session. External events — store watches, transport callbacks, user
// operations — may interleave arbitrarily; the session serializes them over
// one mutex and never runs user callbacks while holding it.
type Session struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	phase     Phase
	started   bool
	ending    bool
	role      signaling.Role
	channelID string
	stream    media.Stream
	ctrl      *peer.Controller
	remote    *peer.RemoteStream
	monitor   *quality.Monitor
	stops     []func()

	onPhase   func(Phase)
	onRemote  func(*peer.RemoteStream)
	onQuality func(quality.Level)
	onError   func(error)

	remoteCh chan *peer.RemoteStream
	endOnce  sync.Once
}

// NewSession builds an idle session. Register subscriptions before Start or
// Join; events fired before registration are lost.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("call: Config.Store is required")
	}
	if cfg.Acquirer == nil {
		return nil, errors.New("call: Config.Acquirer is required")
	}
	if cfg.PeerID == "" {
		return nil, errors.New("call: Config.PeerID is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		phase:    PhaseIdle,
		remoteCh: make(chan *peer.RemoteStream, 1),
	}, nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// OnPhaseChange registers the phase observer.
func (s *Session) OnPhaseChange(fn func(Phase)) {
	s.mu.Lock()
	s.onPhase = fn
	s.mu.Unlock()
}

// OnRemoteStream registers the observer fired once when remote media becomes
// available.
func (s *Session) OnRemoteStream(fn func(*peer.RemoteStream)) {
	s.mu.Lock()
	s.onRemote = fn
	s.mu.Unlock()
}

// OnQualityChange registers the observer for call quality transitions.
func (s *Session) OnQualityChange(fn func(quality.Level)) {
	s.mu.Lock()
	s.onQuality = fn
	s.mu.Unlock()
}

// OnError registers the observer for surfaced errors. Setup errors arrive
// both here and as the operation's own result.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Getters
// ---------------------------------------------------------------------------

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ChannelID returns the shared call identifier, empty until known.
func (s *Session) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// Role returns which side of the call this session plays, empty until a
// Start or Join committed it.
func (s *Session) Role() signaling.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// RemoteStream returns the received remote stream, nil before Connected.
func (s *Session) RemoteStream() *peer.RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// ---------------------------------------------------------------------------
// Start / Join
// ---------------------------------------------------------------------------

// Start places a call: acquires media, creates the offer and the signaling
// channel, and begins awaiting the peer. The returned channel ID is what the
// other party joins with, shared out of band.
//
// An End racing a Start in flight wins: the setup releases whatever the
// overtaken step had just acquired and Start returns ErrSessionEnded.
func (s *Session) Start(ctx context.Context) (string, error) {
	if err := s.begin(); err != nil {
		return "", err
	}
	s.setRole(signaling.RoleCaller)
	s.setPhase(PhaseCreating)

	// End cancels in-flight setup steps through this derived context.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.ctx, cancel)()

	stream, err := s.acquireMedia(ctx)
	if err != nil {
		return "", s.failSetup(ReasonMediaUnavailable, fmt.Errorf("acquiring local media: %w", err))
	}
	if !s.adoptStream(stream) {
		return "", ErrSessionEnded
	}

	ctrl, err := s.buildController()
	if err != nil {
		return "", s.failSetup(ReasonSetup, err)
	}

	offer, err := ctrl.CreateOffer(localTracks(stream))
	if err != nil {
		return "", s.failSetup(ReasonSetup, err)
	}

	channelID, err := s.cfg.Store.CreateChannel(ctx, offer, s.cfg.PeerID)
	if err != nil {
		return "", s.failSetup(ReasonSignaling, fmt.Errorf("creating call channel: %w", err))
	}
	if !s.adoptChannelID(channelID) {
		// Teardown already ran without knowing the record existed; the
		// initiator still owns its deletion.
		s.deleteRecord(channelID)
		return "", ErrSessionEnded
	}
	util.LogInfo("call channel created: %s", channelID)

	// Candidates gathered since CreateOffer were buffered; this flushes them
	// into the caller log and forwards all later ones.
	ctrl.OnLocalCandidate(s.candidateForwarder(channelID, signaling.RoleCaller))

	if err := s.watchChannel(channelID); err != nil {
		return "", s.failSetup(ReasonSignaling, err)
	}
	if err := s.watchCandidates(channelID, signaling.RoleCallee); err != nil {
		return "", s.failSetup(ReasonSignaling, err)
	}
	if s.ended() {
		return "", ErrSessionEnded
	}

	s.setPhase(PhaseAwaitingPeer)
	go s.awaitRemote(s.cfg.AwaitTimeout)
	return channelID, nil
}

// Join answers an existing call. A channel ID that does not resolve returns
// signaling.ErrChannelNotFound immediately, the phase never leaves idle, and
// the session stays reusable — a mistyped ID is user input, not a failure.
// As with Start, an End racing the setup wins and Join returns
// ErrSessionEnded.
func (s *Session) Join(ctx context.Context, channelID string) error {
	if err := s.begin(); err != nil {
		return err
	}

	rec, err := s.cfg.Store.GetChannel(ctx, channelID)
	if err != nil {
		s.rewind()
		return err
	}
	if rec.Answered() {
		s.rewind()
		return fmt.Errorf("joining channel %s: %w", channelID, signaling.ErrAlreadyAnswered)
	}

	s.setRole(signaling.RoleCallee)
	if !s.adoptChannelID(channelID) {
		return ErrSessionEnded
	}
	s.setPhase(PhaseJoining)

	// End cancels in-flight setup steps through this derived context.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.ctx, cancel)()

	stream, err := s.acquireMedia(ctx)
	if err != nil {
		return s.failSetup(ReasonMediaUnavailable, fmt.Errorf("acquiring local media: %w", err))
	}
	if !s.adoptStream(stream) {
		return ErrSessionEnded
	}

	ctrl, err := s.buildController()
	if err != nil {
		return s.failSetup(ReasonSetup, err)
	}

	answer, err := ctrl.AcceptOffer(localTracks(stream), rec.Offer)
	if err != nil {
		return s.failSetup(ReasonSetup, err)
	}

	if err := s.cfg.Store.SetAnswer(ctx, channelID, answer, s.cfg.PeerID); err != nil {
		// Losing the answer race is final: the channel belongs to another
		// pair now.
		return s.failSetup(ReasonSignaling, fmt.Errorf("submitting answer: %w", err))
	}
	util.LogInfo("answer submitted for channel %s", channelID)

	ctrl.OnLocalCandidate(s.candidateForwarder(channelID, signaling.RoleCallee))

	// The record watch only matters for observing deletion — remote hang-up.
	if err := s.watchChannel(channelID); err != nil {
		return s.failSetup(ReasonSignaling, err)
	}
	if err := s.watchCandidates(channelID, signaling.RoleCaller); err != nil {
		return s.failSetup(ReasonSignaling, err)
	}
	if s.ended() {
		return ErrSessionEnded
	}

	s.setPhase(PhaseAwaitingPeer)
	go s.awaitRemote(s.cfg.JoinAwaitTimeout)
	return nil
}

// begin is the reentrancy guard: one Start or Join per session, refused while
// another is in flight.
func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.phase != PhaseIdle {
		return ErrSessionBusy
	}
	s.started = true
	return nil
}

// rewind undoes begin after a pre-transition refusal, leaving the session as
// reusable as it was.
func (s *Session) rewind() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Toggles
// ---------------------------------------------------------------------------

// ToggleMute flips the microphone and reports the resulting muted state.
// Outside AwaitingPeer and Connected it reports without flipping.
func (s *Session) ToggleMute() bool {
	stream, active := s.toggleTarget()
	if stream == nil {
		return true
	}
	if !active {
		track := stream.AudioTrack()
		return track == nil || !track.Enabled()
	}
	return stream.ToggleAudio()
}

// ToggleVideo flips the camera feed and reports the resulting enabled state.
// Outside AwaitingPeer and Connected it reports without flipping.
func (s *Session) ToggleVideo() bool {
	stream, active := s.toggleTarget()
	if stream == nil {
		return false
	}
	if !active {
		track := stream.VideoTrack()
		return track != nil && track.Enabled()
	}
	return stream.ToggleVideo()
}

// SwitchCamera asks the capture side for the other camera. Best effort, and a
// no-op outside an active call.
func (s *Session) SwitchCamera() {
	stream, active := s.toggleTarget()
	if stream == nil || !active {
		return
	}
	stream.SwitchFacing()
}

func (s *Session) toggleTarget() (media.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.phase == PhaseAwaitingPeer || s.phase == PhaseConnected
	return s.stream, active
}

// ---------------------------------------------------------------------------
// End
// ---------------------------------------------------------------------------

// End terminates the call from any phase and always succeeds. Teardown runs
// each step independently — stop sampling, release local media, close the
// transport, delete the channel record (initiator only), cancel watches — so
// one failing step never blocks the rest; failures are logged, not returned.
// Repeated calls are no-ops.
func (s *Session) End() {
	s.end(true)
}

// end runs teardown once. deleteRecord distinguishes a locally requested End,
// where the initiator owns the record's deletion, from an observed remote
// hang-up, where the record is already gone or belongs to the other side.
func (s *Session) end(deleteRecord bool) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.ending = true
		s.started = true // a session that ended never restarts
		monitor := s.monitor
		stream := s.stream
		ctrl := s.ctrl
		stops := s.stops
		role := s.role
		channelID := s.channelID
		s.stream = nil
		s.monitor = nil
		s.stops = nil
		s.mu.Unlock()

		if monitor != nil {
			monitor.Stop()
		}
		if stream != nil {
			if err := stream.Close(); err != nil {
				util.LogWarning("releasing local media: %v", err)
			}
		}
		if ctrl != nil {
			if err := ctrl.Close(); err != nil {
				util.LogWarning("closing transport: %v", err)
			}
		}
		if deleteRecord && role == signaling.RoleCaller && channelID != "" {
			s.deleteRecord(channelID)
		}
		for _, stop := range stops {
			stop()
		}
		s.cancel()

		s.setPhase(PhaseEnded)
		util.LogInfo("call session ended")
	})
}

// deleteRecord removes the call record with a bounded deadline, detached from
// the session context that teardown cancels.
func (s *Session) deleteRecord(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Store.DeleteChannel(ctx, channelID); err != nil {
		util.LogWarning("deleting call channel %s: %v", channelID, err)
	}
}

// ---------------------------------------------------------------------------
// Setup helpers
// ---------------------------------------------------------------------------

// acquireMedia runs bounded acquisition attempts. Every failed attempt has
// already released its partial stream (the Acquirer contract), so retrying
// leaks nothing.
func (s *Session) acquireMedia(ctx context.Context) (media.Stream, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MediaRetries; attempt++ {
		stream, err := s.cfg.Acquirer.Acquire(ctx, s.cfg.Constraints)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if attempt == s.cfg.MediaRetries {
			break
		}
		util.LogWarning("media acquisition failed (attempt %d/%d): %v", attempt, s.cfg.MediaRetries, err)

		select {
		case <-time.After(s.cfg.MediaRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	return nil, lastErr
}

func (s *Session) buildController() (*peer.Controller, error) {
	ctrl, err := peer.NewController(s.cfg.Peer)
	if err != nil {
		return nil, fmt.Errorf("building transport: %w", err)
	}

	ctrl.OnStateChange(s.handleTransportState)
	ctrl.OnRemoteStream(func(rs *peer.RemoteStream) {
		select {
		case s.remoteCh <- rs:
		default:
		}
	})

	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		_ = ctrl.Close()
		return nil, ErrSessionEnded
	}
	s.ctrl = ctrl
	s.mu.Unlock()
	return ctrl, nil
}

// adoptStream hands the stream to the session, which owns its release from
// here on. When teardown already ran the adoption is refused and the stream
// released on the spot — End cannot revisit resources it never saw.
func (s *Session) adoptStream(stream media.Stream) bool {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		if err := stream.Close(); err != nil {
			util.LogWarning("releasing local media: %v", err)
		}
		return false
	}
	s.stream = stream
	s.mu.Unlock()
	return true
}

func (s *Session) setRole(role signaling.Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

// adoptChannelID records the shared identifier, refused once teardown ran.
func (s *Session) adoptChannelID(id string) bool {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return false
	}
	s.channelID = id
	s.mu.Unlock()
	return true
}

func (s *Session) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ending
}

// candidateForwarder pushes locally gathered candidates into this side's log.
// Append failures are surfaced: a lost candidate can cost the connection.
func (s *Session) candidateForwarder(channelID string, role signaling.Role) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		if err := s.cfg.Store.AppendCandidate(s.ctx, channelID, role, payload); err != nil {
			if s.ctx.Err() != nil {
				return // session tearing down, the log is going away anyway
			}
			s.emitError(fmt.Errorf("forwarding local candidate: %w", err))
		}
	}
}

func (s *Session) watchChannel(channelID string) error {
	stop, err := s.cfg.Store.WatchChannel(s.ctx, channelID, s.handleRecord)
	if err != nil {
		return fmt.Errorf("watching call record: %w", err)
	}
	s.addStop(stop)
	return nil
}

func (s *Session) watchCandidates(channelID string, role signaling.Role) error {
	stop, err := s.cfg.Store.WatchCandidates(s.ctx, channelID, role, func(payload json.RawMessage) {
		s.mu.Lock()
		ctrl := s.ctrl
		s.mu.Unlock()
		if ctrl == nil {
			return
		}
		if err := ctrl.AddRemoteCandidate(payload); err != nil {
			util.LogWarning("applying remote candidate: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("watching %s log: %w", role.LogName(), err)
	}
	s.addStop(stop)
	return nil
}

func (s *Session) addStop(stop func()) {
	s.mu.Lock()
	if s.ending {
		// Teardown already drained the stop list; run it now instead.
		s.mu.Unlock()
		stop()
		return
	}
	s.stops = append(s.stops, stop)
	s.mu.Unlock()
}

func localTracks(stream media.Stream) []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	for _, track := range stream.Tracks() {
		tracks = append(tracks, track)
	}
	return tracks
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

// handleRecord consumes call record mutations. The initiator cares about the
// answer arriving; both sides care about deletion, the authoritative call-over
// signal.
func (s *Session) handleRecord(rec *signaling.CallRecord) {
	if rec == nil {
		s.mu.Lock()
		ending := s.ending
		s.mu.Unlock()
		if ending {
			return // our own deletion echoing back
		}
		util.LogInfo("call record deleted by the other side — hanging up")
		s.end(false)
		return
	}

	if !rec.Answered() {
		return
	}

	s.mu.Lock()
	ctrl := s.ctrl
	role := s.role
	s.mu.Unlock()
	if role != signaling.RoleCaller || ctrl == nil {
		return
	}

	if err := ctrl.SetRemoteAnswer(*rec.Answer); err != nil {
		if errors.Is(err, peer.ErrRemoteAnswerSet) {
			return // at-least-once delivery replayed the answer
		}
		s.emitError(fmt.Errorf("applying answer from %s: %w", rec.AnsweredBy, err))
		return
	}
	util.LogInfo("answer received from %s", rec.AnsweredBy)
}

// handleTransportState maps raw transport states onto the session lifecycle:
// disconnected is a tolerated blip, failed and closed are terminal.
func (s *Session) handleTransportState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateDisconnected:
		util.LogWarning("transport disconnected — waiting for it to recover")
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.mu.Lock()
		relevant := !s.ending && (s.phase == PhaseAwaitingPeer || s.phase == PhaseConnected)
		s.mu.Unlock()
		if relevant {
			s.fail(ReasonPeerDisconnected, fmt.Errorf("transport state %s", state))
		}
	}
}

// awaitRemote waits for the remote stream, re-arming the window up to the
// configured number of attempts before declaring a connection timeout.
func (s *Session) awaitRemote(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	remaining := s.cfg.ConnectRetries
	for {
		select {
		case rs := <-s.remoteCh:
			s.connected(rs)
			return

		case <-timer.C:
			remaining--
			if remaining <= 0 {
				s.fail(ReasonConnectTimeout,
					fmt.Errorf("no remote stream within %d windows of %s", s.cfg.ConnectRetries, timeout))
				return
			}
			util.LogWarning("no remote stream within %s — waiting again (%d attempts left)", timeout, remaining)
			timer.Reset(timeout)

		case <-s.ctx.Done():
			return
		}
	}
}

// connected moves the session into the connected phase and starts the
// quality monitor.
func (s *Session) connected(rs *peer.RemoteStream) {
	s.mu.Lock()
	if s.phase != PhaseAwaitingPeer || s.ending {
		s.mu.Unlock()
		return
	}
	s.remote = rs
	monitor := quality.New(s.ctrl, s.cfg.QualityInterval, s.cfg.Quality)
	s.monitor = monitor
	onQuality := s.onQuality
	onRemote := s.onRemote
	s.mu.Unlock()

	if onQuality != nil {
		monitor.OnChange(onQuality)
	}
	monitor.Start()

	s.setPhase(PhaseConnected)
	if onRemote != nil {
		onRemote(rs)
	}
}

// failSetup maps one failed setup step onto the session outcome. A step that
// only failed because End cancelled it mid-flight is not a failure: teardown
// already ran, so the session-ended sentinel is the whole story.
func (s *Session) failSetup(reason Reason, err error) error {
	if s.ended() {
		return ErrSessionEnded
	}
	s.fail(reason, err)
	return err
}

// fail moves the session into the failed phase, once. Resources stay put
// until End — the caller decides between ending and placing a new call.
func (s *Session) fail(reason Reason, cause error) {
	s.mu.Lock()
	if s.ending || s.phase == PhaseFailed || s.phase.terminal() {
		s.mu.Unlock()
		return
	}
	monitor := s.monitor
	s.monitor = nil
	s.mu.Unlock()

	// Leaving Connected stops sampling immediately.
	if monitor != nil {
		monitor.Stop()
	}

	s.setPhase(PhaseFailed)
	s.emitError(&Failure{Reason: reason, Err: cause})
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	if s.phase == p || (s.phase.terminal() && p != s.phase) {
		s.mu.Unlock()
		return
	}
	from := s.phase
	s.phase = p
	fn := s.onPhase
	s.mu.Unlock()

	util.LogDebug("call phase: %s → %s", from, p)
	if fn != nil {
		fn(p)
	}
}

func (s *Session) emitError(err error) {
	util.LogError("%v", err)
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

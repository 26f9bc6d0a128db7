// Package peer wraps a single pion PeerConnection for the lifetime of one
// call attempt: offer/answer handling, trickled ICE candidates in both
// directions, remote media arrival and raw connection-state events. Candidate
// payloads cross this boundary as opaque JSON; pion parses them, nobody else.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.call/internal/signaling"
	"github.com/1ureka/1ureka.net.call/internal/util"
)

// STUN servers for ICE candidate gathering. No TURN — the tool is designed
// for direct P2P connectivity with zero infrastructure cost.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var (
	// ErrRemoteAnswerSet reports a second SetRemoteAnswer on a controller
	// that already holds a remote description.
	ErrRemoteAnswerSet = errors.New("remote answer already set")

	// ErrInvalidRemoteDescription reports an offer or answer the transport
	// refused to apply.
	ErrInvalidRemoteDescription = errors.New("invalid remote description")
)

// Config tunes how the PeerConnection is built. The zero value gives the
// production setup: Google STUN, default codecs, default interceptors.
type Config struct {
	// STUNServers overrides the default STUN URLs. Ignored when Loopback is
	// set.
	STUNServers []string

	// Loopback restricts ICE to loopback host candidates and shortens the
	// ICE timeouts. Used by in-process tests and the loopback demo, where
	// both peers live in one process and STUN is pointless.
	Loopback bool
}

// Controller drives one PeerConnection through one call attempt.
//
// The one ordering hazard of trickle ICE lives here: remote candidates may
// arrive through signaling before the remote description is applied, and pion
// rejects them in that state. AddRemoteCandidate queues early arrivals and
// the description setters flush the queue in arrival order, so no candidate
// is ever dropped by timing.
type Controller struct {
	pc *webrtc.PeerConnection

	mu            sync.Mutex
	remoteSet     bool
	answering     bool
	pendingRemote []webrtc.ICECandidateInit
	localFn       func(json.RawMessage)
	pendingLocal  []json.RawMessage
	remoteFn      func(*RemoteStream)
	remote        *RemoteStream
	stateFn       func(webrtc.PeerConnectionState)

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewController builds the PeerConnection and wires its event surface. The
// controller is inert until CreateOffer or AcceptOffer starts a call attempt.
func NewController(cfg Config) (*Controller, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	var iceServers []webrtc.ICEServer
	if cfg.Loopback {
		settings.SetIncludeLoopbackCandidate(true)
		settings.SetICETimeouts(2*time.Second, 4*time.Second, 500*time.Millisecond)
	} else {
		urls := cfg.STUNServers
		if len(urls) == 0 {
			urls = defaultSTUNServers
		}
		iceServers = []webrtc.ICEServer{{URLs: urls}}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	c := &Controller{pc: pc, done: make(chan struct{})}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			// End of gathering; nothing to forward.
			return
		}
		payload, err := json.Marshal(cand.ToJSON())
		if err != nil {
			util.LogWarning("encoding local candidate: %v", err)
			return
		}
		c.deliverLocalCandidate(payload)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		util.LogDebug("remote %s track arrived (%s)", track.Kind(), track.Codec().MimeType)
		c.handleRemoteTrack(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("peer connection state: %s", state)
		c.mu.Lock()
		fn := c.stateFn
		c.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	return c, nil
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer attaches the local tracks, generates an offer and applies it as
// the local description, which starts candidate gathering. Initiator side.
func (c *Controller) CreateOffer(tracks []webrtc.TrackLocal) (signaling.SessionDescription, error) {
	if err := c.attachTracks(tracks); err != nil {
		return signaling.SessionDescription{}, err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("applying local offer: %w", err)
	}
	return fromPion(offer), nil
}

// AcceptOffer attaches the local tracks, applies the remote offer, then
// generates and applies the answer. Joiner side. Remote candidates queued
// before this call are flushed once the offer is applied.
func (c *Controller) AcceptOffer(tracks []webrtc.TrackLocal, remoteOffer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if err := c.attachTracks(tracks); err != nil {
		return signaling.SessionDescription{}, err
	}

	if err := c.pc.SetRemoteDescription(toPion(remoteOffer)); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidRemoteDescription, err)
	}
	c.flushRemoteCandidates()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("applying local answer: %w", err)
	}
	return fromPion(answer), nil
}

// SetRemoteAnswer applies the joiner's answer on the initiator side, at most
// once. The candidate queue is flushed afterwards in arrival order.
func (c *Controller) SetRemoteAnswer(answer signaling.SessionDescription) error {
	// answering claims the single answer slot before the mutex is dropped for
	// the description call, so two concurrent callers cannot both pass the
	// at-most-once guard.
	c.mu.Lock()
	if c.remoteSet || c.answering {
		c.mu.Unlock()
		return ErrRemoteAnswerSet
	}
	c.answering = true
	c.mu.Unlock()

	if err := c.pc.SetRemoteDescription(toPion(answer)); err != nil {
		c.mu.Lock()
		c.answering = false
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidRemoteDescription, err)
	}
	c.flushRemoteCandidates()
	return nil
}

// AddRemoteCandidate forwards one candidate discovered by the peer. Until the
// remote description is applied the candidate is queued, never dropped.
func (c *Controller) AddRemoteCandidate(payload json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return fmt.Errorf("decoding remote candidate: %w", err)
	}

	c.mu.Lock()
	if !c.remoteSet {
		c.pendingRemote = append(c.pendingRemote, init)
		n := len(c.pendingRemote)
		c.mu.Unlock()
		util.LogDebug("remote candidate queued before remote description (%d pending)", n)
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding remote candidate: %w", err)
	}
	return nil
}

// flushRemoteCandidates marks the remote description as set and applies every
// queued candidate in arrival order.
func (c *Controller) flushRemoteCandidates() {
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pendingRemote
	c.pendingRemote = nil
	c.mu.Unlock()

	if len(pending) > 0 {
		util.LogDebug("applying %d queued remote candidates", len(pending))
	}
	for _, init := range pending {
		if err := c.pc.AddICECandidate(init); err != nil {
			// One unusable candidate must not sink the rest of the queue.
			util.LogWarning("applying queued candidate: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// OnLocalCandidate registers the forwarder for locally gathered candidates.
// Gathering starts with the local description, typically before the caller
// knows its channel ID; candidates discovered in that gap are buffered and
// flushed to the first registered callback in discovery order.
func (c *Controller) OnLocalCandidate(fn func(json.RawMessage)) {
	c.mu.Lock()
	c.localFn = fn
	buffered := c.pendingLocal
	c.pendingLocal = nil
	c.mu.Unlock()

	for _, payload := range buffered {
		fn(payload)
	}
}

func (c *Controller) deliverLocalCandidate(payload json.RawMessage) {
	c.mu.Lock()
	fn := c.localFn
	if fn == nil {
		c.pendingLocal = append(c.pendingLocal, payload)
	}
	c.mu.Unlock()

	if fn != nil {
		fn(payload)
	}
}

// OnRemoteStream registers the callback fired when media from the peer first
// becomes available. It fires at most once; the stream accumulates any tracks
// arriving later. It may never fire — callers drive their own timeout.
func (c *Controller) OnRemoteStream(fn func(*RemoteStream)) {
	c.mu.Lock()
	c.remoteFn = fn
	c.mu.Unlock()
}

func (c *Controller) handleRemoteTrack(track *webrtc.TrackRemote) {
	c.mu.Lock()
	first := c.remote == nil
	if first {
		c.remote = newRemoteStream(c.done)
	}
	stream := c.remote
	fn := c.remoteFn
	c.mu.Unlock()

	stream.addTrack(track)
	if first && fn != nil {
		fn(stream)
	}
}

// OnStateChange registers the observer for raw transport connection states.
// Interpreting them — disconnected is transient, failed and closed terminal —
// is the caller's business.
func (c *Controller) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.stateFn = fn
	c.mu.Unlock()
}

// ConnectionState returns the transport's current view of connectivity.
func (c *Controller) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

// Stats snapshots the transport statistics for the quality monitor.
func (c *Controller) Stats() webrtc.StatsReport {
	return c.pc.GetStats()
}

// Close releases all transport resources. Safe from any state and idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (c *Controller) attachTracks(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("attaching %s track: %w", track.Kind(), err)
		}
		util.Stats.AddLocalTrack()

		// Drain sender RTCP so the interceptors keep their feedback flowing.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func toPion(sd signaling.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
}

func fromPion(sd webrtc.SessionDescription) signaling.SessionDescription {
	return signaling.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

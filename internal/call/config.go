package call

import (
	"time"

	"github.com/1ureka/1ureka.net.call/internal/media"
	"github.com/1ureka/1ureka.net.call/internal/peer"
	"github.com/1ureka/1ureka.net.call/internal/quality"
	"github.com/1ureka/1ureka.net.call/internal/signaling"
)

// Config assembles a session's collaborators and bounds. Store, Acquirer and
// PeerID are required; everything else has workable defaults. The numeric
// bounds are tuning, not contract — tests shrink them to milliseconds.
type Config struct {
	Store    signaling.Store
	Acquirer media.Acquirer

	// PeerID identifies this peer in the call record. How it was obtained
	// (auth, config, random) is the embedder's business.
	PeerID string

	// Constraints for local capture. Zero value means audio + video.
	Constraints media.Constraints

	// Peer configures the transport controller.
	Peer peer.Config

	// AwaitTimeout bounds one initiator wait for the remote stream.
	// Default 20s.
	AwaitTimeout time.Duration

	// JoinAwaitTimeout bounds one joiner wait for first media after its
	// answer is submitted. Default 30s.
	JoinAwaitTimeout time.Duration

	// ConnectRetries is how many await windows pass before the session
	// fails with a connection timeout. Default 3.
	ConnectRetries int

	// MediaRetries bounds acquisition attempts. Default 3.
	MediaRetries int

	// MediaRetryDelay separates acquisition attempts. Default 500ms.
	MediaRetryDelay time.Duration

	// QualityInterval is the stats sampling period while connected.
	// Default 5s.
	QualityInterval time.Duration

	// Quality thresholds; zero value uses the stock tuning.
	Quality quality.Thresholds
}

func (c Config) withDefaults() Config {
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = 20 * time.Second
	}
	if c.JoinAwaitTimeout <= 0 {
		c.JoinAwaitTimeout = 30 * time.Second
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	if c.MediaRetries <= 0 {
		c.MediaRetries = 3
	}
	if c.MediaRetryDelay <= 0 {
		c.MediaRetryDelay = 500 * time.Millisecond
	}
	if c.QualityInterval <= 0 {
		c.QualityInterval = 5 * time.Second
	}
	return c
}

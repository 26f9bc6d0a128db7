package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/1ureka.net.call/internal/util"
)

var _ Acquirer = (*SyntheticAcquirer)(nil)

// SyntheticAcquirer produces generator tracks instead of touching capture
// hardware: a timed Opus-framed tone and a VP8-framed test pattern. The
// payloads are diagnostic bitstreams, not decodable media — enough to drive
// the transport, the loopback demo and every test without a camera.
// Acquisition never fails.
type SyntheticAcquirer struct{}

// NewSyntheticAcquirer returns a hardware-free acquirer.
func NewSyntheticAcquirer() *SyntheticAcquirer {
	return &SyntheticAcquirer{}
}

func (a *SyntheticAcquirer) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	// Zero constraints mean "the usual call": audio + video.
	if !c.Audio && !c.Video {
		c.Audio = true
		c.Video = true
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 15
	}
	if c.Facing == "" {
		c.Facing = FacingUser
	}

	s := &syntheticStream{facing: c.Facing}

	if c.Audio {
		track, err := newSyntheticTrack(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", 20*time.Millisecond, 120,
		)
		if err != nil {
			return nil, err
		}
		s.audio = track
	}
	if c.Video {
		track, err := newSyntheticTrack(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", time.Duration(float64(time.Second)/c.FrameRate), 1000,
		)
		if err != nil {
			// A failed acquire must not leak the track already started.
			s.Close()
			return nil, err
		}
		s.video = track
	}

	util.LogDebug("synthetic stream acquired (audio=%v video=%v facing=%s)", c.Audio, c.Video, c.Facing)
	return s, nil
}

// syntheticStream adds facing bookkeeping on top of the shared stream base.
// "Switching cameras" flips the pattern phase of the video generator, which
// is observable on the receiving side the way a real camera flip would be.
type syntheticStream struct {
	baseStream

	mu     sync.Mutex
	facing Facing
}

func (s *syntheticStream) SwitchFacing() {
	s.mu.Lock()
	s.facing = s.facing.Flip()
	facing := s.facing
	s.mu.Unlock()

	if t, ok := s.video.(*syntheticTrack); ok && t != nil {
		t.setPhase(facing == FacingEnvironment)
	}
	util.LogDebug("synthetic stream facing switched to %s", facing)
}

// syntheticTrack feeds a TrackLocalStaticSample from a ticker goroutine.
// Disabling the track pauses sample emission; the track stays attached to
// the transport and resumes from the same generator state when re-enabled.
type syntheticTrack struct {
	*webrtc.TrackLocalStaticSample

	interval  time.Duration
	frameSize int

	enabled atomic.Bool
	phase   atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

func newSyntheticTrack(codec webrtc.RTPCodecCapability, kind string, interval time.Duration, frameSize int) (*syntheticTrack, error) {
	inner, err := webrtc.NewTrackLocalStaticSample(codec, kind, "rov1")
	if err != nil {
		return nil, err
	}

	t := &syntheticTrack{
		TrackLocalStaticSample: inner,
		interval:               interval,
		frameSize:              frameSize,
		done:                   make(chan struct{}),
	}
	t.enabled.Store(true)

	go t.generate()
	return t, nil
}

func (t *syntheticTrack) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *syntheticTrack) Enabled() bool     { return t.enabled.Load() }

func (t *syntheticTrack) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *syntheticTrack) setPhase(v bool) { t.phase.Store(v) }

func (t *syntheticTrack) generate() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var seq byte
	for {
		select {
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}

			frame := make([]byte, t.frameSize)
			fill := seq
			if t.phase.Load() {
				fill = ^seq
			}
			for i := range frame {
				frame[i] = fill
			}
			seq++

			// WriteSample is a no-op until the track is bound to a sender,
			// so generating before the offer is attached is harmless.
			if err := t.WriteSample(pionmedia.Sample{Data: frame, Duration: t.interval}); err != nil {
				util.LogDebug("synthetic sample write: %v", err)
				continue
			}
			util.Stats.AddSent(len(frame))

		case <-t.done:
			return
		}
	}
}

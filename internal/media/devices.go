//go:build mediadevices

package media

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.call/internal/util"

	// Capture backends register themselves on import.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

var _ Acquirer = (*DeviceAcquirer)(nil)

// NewDefaultAcquirer returns the acquirer this build ships with: real camera
// and microphone capture through pion/mediadevices.
func NewDefaultAcquirer() Acquirer {
	return NewDeviceAcquirer()
}

// DeviceAcquirer captures from the local camera and microphone. Captured
// frames are encoded (VP8 video, Opus audio) and pumped as RTP into local
// tracks the transport can send.
type DeviceAcquirer struct{}

func NewDeviceAcquirer() *DeviceAcquirer {
	return &DeviceAcquirer{}
}

func (a *DeviceAcquirer) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if !c.Audio && !c.Video {
		c.Audio = true
		c.Video = true
	}
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 30
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("preparing VP8 encoder: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("preparing Opus encoder: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	constraints := mediadevices.MediaStreamConstraints{Codec: selector}
	if c.Video {
		constraints.Video = func(m *mediadevices.MediaTrackConstraints) {
			m.Width = prop.Int(c.Width)
			m.Height = prop.Int(c.Height)
			m.FrameRate = prop.Float(c.FrameRate)
		}
	}
	if c.Audio {
		constraints.Audio = func(m *mediadevices.MediaTrackConstraints) {
			m.SampleRate = prop.Int(48000)
			m.ChannelCount = prop.Int(1)
			m.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	src, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, mapCaptureError(err)
	}

	s := &deviceStream{}
	for _, track := range src.GetAudioTracks() {
		mt, ok := track.(mediadevices.Track)
		if !ok {
			continue
		}
		dt, err := newDeviceTrack(mt, webrtc.MimeTypeOpus, "audio")
		if err != nil {
			s.Close()
			return nil, err
		}
		s.audio = dt
	}
	for _, track := range src.GetVideoTracks() {
		mt, ok := track.(mediadevices.Track)
		if !ok {
			continue
		}
		dt, err := newDeviceTrack(mt, webrtc.MimeTypeVP8, "video")
		if err != nil {
			s.Close()
			return nil, err
		}
		s.video = dt
	}

	util.LogDebug("device stream acquired (audio=%v video=%v)", s.audio != nil, s.video != nil)
	return s, nil
}

// mapCaptureError folds backend failures onto the package sentinels so the
// session's retry policy can tell permission problems from missing hardware.
func mapCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no device") || strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}

type deviceStream struct {
	baseStream
}

// SwitchFacing is a logged no-op for device capture: the desktop backends
// mediadevices ships do not expose a facing constraint to re-acquire by.
func (s *deviceStream) SwitchFacing() {
	util.LogWarning("camera facing switch is not supported by this capture backend")
}

// deviceTrack bridges one mediadevices capture track into a local RTP track.
// The pump goroutine owns the encoder read loop; disabling the track keeps
// the encoder running but stops forwarding packets, which is what mutes it
// on the wire.
type deviceTrack struct {
	*webrtc.TrackLocalStaticRTP

	src     mediadevices.Track
	enabled atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newDeviceTrack(src mediadevices.Track, mimeType, kind string) (*deviceTrack, error) {
	inner, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mimeType}, kind, "rov1")
	if err != nil {
		return nil, err
	}

	t := &deviceTrack{
		TrackLocalStaticRTP: inner,
		src:                 src,
		done:                make(chan struct{}),
	}
	t.enabled.Store(true)

	// NewRTPReader wants the bare codec name, the second half of the MIME type.
	codecName := mimeType[strings.Index(mimeType, "/")+1:]
	reader, err := src.NewRTPReader(codecName, rand.Uint32(), 1200)
	if err != nil {
		return nil, fmt.Errorf("creating RTP reader for %s: %w", kind, err)
	}

	go t.pump(reader)
	return t, nil
}

func (t *deviceTrack) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *deviceTrack) Enabled() bool     { return t.enabled.Load() }

func (t *deviceTrack) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.src.Close()
	})
	return t.closeErr
}

func (t *deviceTrack) pump(reader mediadevices.RTPReadCloser) {
	defer reader.Close()

	for {
		select {
		case <-t.done:
			return
		default:
		}

		pkts, release, err := reader.Read()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				util.LogDebug("capture RTP read ended: %v", err)
			}
			return
		}

		if t.enabled.Load() {
			for _, pkt := range pkts {
				if pkt == nil {
					continue
				}
				if err := t.WriteRTP(pkt); err != nil {
					util.LogDebug("capture RTP write: %v", err)
					continue
				}
				util.Stats.AddSent(len(pkt.Payload))
			}
		}
		if release != nil {
			release()
		}
	}
}

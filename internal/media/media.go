// Package media models local capture for a call. An Acquirer hands out a
// Stream of sendable tracks; the owning session attaches them to the
// transport and the UI toggles them. Remote media never passes through this
// package; it arrives from the transport side.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.call/internal/util"
)

var (
	// ErrPermissionDenied means the platform refused capture access.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrDeviceUnavailable means no usable capture device was found, or the
	// device is held by someone else.
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// Facing selects which camera a video constraint prefers.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Flip returns the opposite facing.
func (f Facing) Flip() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Constraints describes the capture a session wants. Zero values fall back
// to acquirer defaults.
type Constraints struct {
	Audio     bool
	Video     bool
	Facing    Facing
	Width     int
	Height    int
	FrameRate float64
}

// Track is one sendable local track. SetEnabled pauses and resumes sample
// emission without renegotiating, like a browser track's enabled flag; a
// disabled track stays attached to the transport but goes quiet.
type Track interface {
	webrtc.TrackLocal

	SetEnabled(bool)
	Enabled() bool
	Close() error
}

// Stream bundles the tracks of one acquisition. The acquiring session owns
// the stream exclusively and must Close it during teardown; Close is
// idempotent and releases whatever subset of tracks exists.
type Stream interface {
	Tracks() []Track
	AudioTrack() Track // nil when audio was not acquired
	VideoTrack() Track // nil when video was not acquired

	// ToggleAudio flips the audio track and reports the new muted state.
	// Streams without audio stay muted.
	ToggleAudio() (muted bool)

	// ToggleVideo flips the video track and reports the new enabled state.
	// Streams without video stay disabled.
	ToggleVideo() (enabled bool)

	// SwitchFacing moves video capture to another camera where the source
	// supports it. Best effort: failure is logged, never raised, and the
	// current camera keeps running.
	SwitchFacing()

	Close() error
}

// Acquirer produces local media. A failed acquisition releases everything it
// created, so callers may retry without leaking capture handles.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// baseStream carries the track bookkeeping shared by stream implementations.
type baseStream struct {
	audio Track
	video Track

	closeOnce sync.Once
	closeErr  error
}

func (s *baseStream) Tracks() []Track {
	var tracks []Track
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

func (s *baseStream) AudioTrack() Track { return s.audio }
func (s *baseStream) VideoTrack() Track { return s.video }

func (s *baseStream) ToggleAudio() bool {
	if s.audio == nil {
		return true
	}
	next := !s.audio.Enabled()
	s.audio.SetEnabled(next)
	return !next
}

func (s *baseStream) ToggleVideo() bool {
	if s.video == nil {
		return false
	}
	next := !s.video.Enabled()
	s.video.SetEnabled(next)
	return next
}

func (s *baseStream) Close() error {
	s.closeOnce.Do(func() {
		var audioErr, videoErr error
		if s.audio != nil {
			audioErr = s.audio.Close()
		}
		if s.video != nil {
			videoErr = s.video.Close()
		}
		s.closeErr = errors.Join(audioErr, videoErr)
		if s.closeErr != nil {
			util.LogWarning("releasing local stream: %v", s.closeErr)
		}
	})
	return s.closeErr
}

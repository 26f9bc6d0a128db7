package peer

import (
	"io"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.call/internal/util"
)

// RemoteStream collects the media tracks received from the peer. It is
// received, not owned: releasing it means dropping the reference — remote
// tracks are never stopped from this side.
//
// Each track gets a drain goroutine that keeps RTP flowing (and the
// interceptor stats with it) and feeds the traffic counters. A renderer
// would tap in here; this engine stops at delivery.
type RemoteStream struct {
	done <-chan struct{}

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func newRemoteStream(done <-chan struct{}) *RemoteStream {
	return &RemoteStream{done: done}
}

// Tracks returns the remote tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(out, r.tracks)
	return out
}

func (r *RemoteStream) addTrack(track *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, track)
	r.mu.Unlock()

	util.Stats.AddRemoteTrack()
	go r.drain(track)
}

// drain reads RTP until the track or the owning controller goes away. A few
// consecutive read errors are tolerated; media gaps happen on real networks.
func (r *RemoteStream) drain(track *webrtc.TrackRemote) {
	const maxConsecutiveErrors = 5

	errCount := 0
	for {
		select {
		case <-r.done:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCount++
			if errCount >= maxConsecutiveErrors {
				util.LogDebug("remote %s track drain ended: %v", track.Kind(), err)
				return
			}
			continue
		}
		errCount = 0
		util.Stats.AddRecv(len(pkt.Payload))
	}
}

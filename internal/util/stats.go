package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide media traffic counter.
var Stats = &stats{}

type stats struct {
	LocalTracks  atomic.Int64 // cumulative count of tracks published to the peer
	RemoteTracks atomic.Int64 // cumulative count of tracks received from the peer
	BytesSent    atomic.Int64 // cumulative media payload bytes written to local tracks
	BytesRecv    atomic.Int64 // cumulative media payload bytes drained from remote tracks
}

func (s *stats) AddLocalTrack()  { s.LocalTracks.Add(1) }
func (s *stats) AddRemoteTrack() { s.RemoteTracks.Add(1) }
func (s *stats) AddSent(n int)   { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs media statistics every
// 10 seconds while traffic is flowing. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevLocal, prevRemote int64
		for {
			select {
			case <-ticker.C:
				local := Stats.LocalTracks.Load()
				remote := Stats.RemoteTracks.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				newLocal := local - prevLocal
				newRemote := remote - prevRemote

				if newLocal > 0 || newRemote > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, local, remote))
				}

				prevSent = sent
				prevRecv = recv
				prevLocal = local
				prevRemote = remote

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, local, remote int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Tracks: %d local %d remote",
		formatBytes(inS),
		formatBytes(outS),
		local,
		remote,
	)
}

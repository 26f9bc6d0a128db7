// Package quality turns raw transport statistics into a coarse three-level
// call quality signal. It observes, never steers: reconnection and alerting
// decisions belong to the session that owns the monitor.
package quality

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.call/internal/util"
)

// Level is the coarse quality label shown to the user.
type Level int

const (
	// LevelUnknown means no usable sample yet, or stats were unavailable.
	// Never an error; the call is unaffected.
	LevelUnknown Level = iota
	LevelGood
	LevelMedium
	LevelPoor
)

func (l Level) String() string {
	switch l {
	case LevelGood:
		return "good"
	case LevelMedium:
		return "medium"
	case LevelPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// Thresholds maps round-trip time and per-interval packet loss onto levels.
// Classification is monotonic: metrics at or past a bound never produce a
// better label than metrics inside it.
type Thresholds struct {
	PoorRTT    time.Duration // RTT at or above this is poor
	MediumRTT  time.Duration // RTT at or above this is at least medium
	PoorLoss   int64         // packets lost per interval at or above this is poor
	MediumLoss int64         // packets lost per interval at or above this is at least medium
}

// DefaultThresholds returns the stock tuning: 300ms/150ms RTT, 5/2 packets.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PoorRTT:    300 * time.Millisecond,
		MediumRTT:  150 * time.Millisecond,
		PoorLoss:   5,
		MediumLoss: 2,
	}
}

// Classify labels one sample. The result is the worse of the RTT verdict and
// the loss verdict.
func (t Thresholds) Classify(rtt time.Duration, lost int64) Level {
	level := LevelGood
	switch {
	case rtt >= t.PoorRTT:
		level = LevelPoor
	case rtt >= t.MediumRTT:
		level = LevelMedium
	}
	switch {
	case lost >= t.PoorLoss:
		level = LevelPoor
	case lost >= t.MediumLoss && level < LevelMedium:
		level = LevelMedium
	}
	return level
}

// Source is where samples come from; the peer controller satisfies it.
type Source interface {
	Stats() webrtc.StatsReport
}

// Monitor samples a Source on a fixed interval and reports level changes.
// Start it on entering the connected phase, Stop it on leaving; both are
// idempotent.
type Monitor struct {
	src        Source
	interval   time.Duration
	thresholds Thresholds

	mu       sync.Mutex
	onChange func(Level)
	level    Level
	prevLost int64
	hasPrev  bool

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// New builds a monitor. A non-positive interval falls back to 5s; zero
// thresholds fall back to the defaults.
func New(src Source, interval time.Duration, thresholds Thresholds) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	return &Monitor{
		src:        src,
		interval:   interval,
		thresholds: thresholds,
		done:       make(chan struct{}),
	}
}

// OnChange registers the callback fired on level transitions only. Register
// before Start.
func (m *Monitor) OnChange(fn func(Level)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Level returns the most recent classification.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Start launches the sampling goroutine.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// Stop ends sampling immediately.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.done:
			return
		}
	}
}

func (m *Monitor) sample() {
	rtt, lost, ok := extract(m.src.Stats())

	level := LevelUnknown
	if ok {
		m.mu.Lock()
		delta := int64(0)
		if m.hasPrev {
			delta = lost - m.prevLost
			if delta < 0 {
				// Stream restarted; counters reset.
				delta = 0
			}
		}
		m.prevLost = lost
		m.hasPrev = true
		m.mu.Unlock()

		level = m.thresholds.Classify(rtt, delta)
	}

	m.mu.Lock()
	changed := level != m.level
	m.level = level
	fn := m.onChange
	m.mu.Unlock()

	if changed {
		util.LogDebug("call quality: %s (rtt=%s)", level, rtt)
		if fn != nil {
			fn(level)
		}
	}
}

// extract pulls the two signals out of a stats report: round-trip time of the
// succeeded candidate pair and the cumulative inbound packet loss. ok is
// false when no pair has succeeded yet — the sample is unusable.
func extract(report webrtc.StatsReport) (rtt time.Duration, lost int64, ok bool) {
	for _, s := range report {
		switch stat := s.(type) {
		case webrtc.ICECandidatePairStats:
			if stat.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if stat.Nominated || !ok {
				rtt = time.Duration(stat.CurrentRoundTripTime * float64(time.Second))
			}
			ok = true
		case webrtc.InboundRTPStreamStats:
			lost += int64(stat.PacketsLost)
		}
	}
	return rtt, lost, ok
}

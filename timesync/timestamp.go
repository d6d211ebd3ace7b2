package timesync

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// ErrNotRunning is returned by Manager.Timestamp before Start or after Stop.
var ErrNotRunning = errors.New("timestamp manager is not running, call Start first")

const jitterWindow = 128

// Anchor is the origin of a capture session's relative time base.
type Anchor struct {
	Mono time.Time
	Wall time.Time
}

// NewAnchor anchors a session at the clock's current instant.
func NewAnchor(clk clock.Clock) Anchor {
	now := clk.Now()
	// Mono keeps the monotonic reading; Wall strips it for display.
	return Anchor{Mono: now, Wall: now.Round(0)}
}

// TimestampAt returns seconds elapsed since the anchor, optionally corrected
// for the sensor type's capture latency.
func TimestampAt(clk clock.Clock, anchor Anchor, cfg SyncConfig, sensorType string, compensateLatency bool) (float64, time.Time) {
	now := clk.Now()
	rel := now.Sub(anchor.Mono)
	if compensateLatency {
		rel -= cfg.latency(sensorType)
	}
	return rel.Seconds(), now.Round(0)
}

// SensorStats summarizes the timestamps issued to one sensor type.
type SensorStats struct {
	Count    int     `json:"count"`
	Duration float64 `json:"duration"`
	AvgRate  float64 `json:"avg_rate_hz"`
	// Jitter is the standard deviation of recent inter-observation intervals, in seconds.
	Jitter float64 `json:"jitter"`
}

type sensorStats struct {
	count     int
	first     float64
	last      float64
	intervals []float64
}

func (s *sensorStats) observe(ts float64) {
	if s.count > 0 {
		if len(s.intervals) == jitterWindow {
			copy(s.intervals, s.intervals[1:])
			s.intervals = s.intervals[:jitterWindow-1]
		}
		s.intervals = append(s.intervals, ts-s.last)
	} else {
		s.first = ts
	}
	s.count++
	s.last = ts
}

// Manager is the authoritative time base of a capture session. All methods
// are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	clk     clock.Clock
	cfg     SyncConfig
	anchor  Anchor
	started bool
	running bool
	stats   map[string]*sensorStats
}

// NewManager returns a stopped Manager. A nil clk uses the real clock.
func NewManager(cfg SyncConfig, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		clk:   clk,
		cfg:   cfg.withDefaults(),
		stats: map[string]*sensorStats{},
	}
}

// Start anchors the session. It is a no-op returning the current anchor when
// already running.
func (m *Manager) Start() Anchor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return m.anchor
	}
	m.anchor = NewAnchor(m.clk)
	m.started = true
	m.running = true
	m.stats = map[string]*sensorStats{}
	return m.anchor
}

// Stop marks the manager stopped. The anchor is kept so ElapsedTime still works.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// Reset re-anchors the session and clears statistics. The running flag is
// left alone, so a stopped Manager stays stopped.
func (m *Manager) Reset() Anchor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchor = NewAnchor(m.clk)
	m.started = true
	m.stats = map[string]*sensorStats{}
	return m.anchor
}

// IsRunning reports whether Start was called without a later Stop.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Anchor returns the current anchor and whether one was ever set.
func (m *Manager) Anchor() (Anchor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anchor, m.started
}

// ElapsedTime is the time since the anchor, or 0 if never started.
func (m *Manager) ElapsedTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return 0
	}
	return m.clk.Since(m.anchor.Mono)
}

// Timestamp returns the relative timestamp in seconds and the wall clock time
// for a reading of the given sensor type, and records it in the statistics.
func (m *Manager) Timestamp(sensorType string, compensateLatency bool) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return 0, time.Time{}, ErrNotRunning
	}
	if sensorType == "" {
		sensorType = defaultLatencyKey
	}
	ts, wall := TimestampAt(m.clk, m.anchor, m.cfg, sensorType, compensateLatency)

	st, ok := m.stats[sensorType]
	if !ok {
		st = &sensorStats{}
		m.stats[sensorType] = st
	}
	st.observe(ts)
	return ts, wall, nil
}

// Stats returns per sensor type counts and rates.
func (m *Manager) Stats() map[string]SensorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]SensorStats, len(m.stats))
	for k, s := range m.stats {
		d := s.last - s.first
		var rate float64
		if d > 0 {
			rate = float64(s.count) / d
		}
		var jitter float64
		if len(s.intervals) > 1 {
			jitter = stat.StdDev(s.intervals, nil)
		}
		out[k] = SensorStats{Count: s.count, Duration: d, AvgRate: rate, Jitter: jitter}
	}
	return out
}

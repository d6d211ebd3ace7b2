package timesync

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
)

// Role is the part a sensor plays in a fixed rig configuration.
type Role int

const (
	RoleCamera Role = iota
	RoleLidar
	RoleDepth
)

func (r Role) String() string {
	switch r {
	case RoleCamera:
		return "camera"
	case RoleLidar:
		return "lidar"
	case RoleDepth:
		return "depth"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// RoleSensorID is the buffer key used for the index-th sensor in a role.
func RoleSensorID(r Role, index int) string {
	return fmt.Sprintf("%s_%d", r, index)
}

// AlignedFrame is a set of frames from different sensors matched to one
// reference timestamp. Frames and Errors always have the same keys.
type AlignedFrame struct {
	Timestamp float64
	WallTime  time.Time
	Frames    map[string]*frame.SensorFrame
	// Errors holds target - frame.Timestamp per sensor.
	Errors map[string]float64
}

// Get returns the frame for sensorID or nil.
func (a *AlignedFrame) Get(sensorID string) *frame.SensorFrame {
	return a.Frames[sensorID]
}

// SensorIDs lists the sensors present, sorted.
func (a *AlignedFrame) SensorIDs() []string {
	ids := make([]string, 0, len(a.Frames))
	for id := range a.Frames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MaxAlignmentError is the largest absolute delta, 0 when empty.
func (a *AlignedFrame) MaxAlignmentError() float64 {
	var m float64
	for _, e := range a.Errors {
		m = math.Max(m, math.Abs(e))
	}
	return m
}

// IsComplete reports whether every expected sensor is present.
func (a *AlignedFrame) IsComplete(expected ...string) bool {
	for _, id := range expected {
		if _, ok := a.Frames[id]; !ok {
			return false
		}
	}
	return true
}

// AlignerStats reports alignment counters and buffer occupancy.
type AlignerStats struct {
	TotalAlignments      int            `json:"total_alignments"`
	SuccessfulAlignments int            `json:"successful_alignments"`
	SuccessRate          float64        `json:"success_rate"`
	BufferSizes          map[string]int `json:"buffer_sizes"`
}

// FrameAligner matches frames from several sensors by timestamp, using a
// primary sensor as the default time reference.
type FrameAligner struct {
	mu        sync.Mutex
	primary   string
	tolerance float64
	bufSize   int
	maxAge    float64
	clk       clock.Clock
	buffers   map[string]*FrameBuffer

	total      int
	successful int
}

// NewFrameAligner returns an aligner referenced on the primary sensor id.
// Zero fields of cfg take the defaults.
func NewFrameAligner(primary string, cfg SyncConfig, clk clock.Clock) *FrameAligner {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &FrameAligner{
		primary:   primary,
		tolerance: cfg.AlignmentTolerance,
		bufSize:   cfg.BufferSize,
		maxAge:    cfg.MaxAge,
		clk:       clk,
		buffers:   map[string]*FrameBuffer{},
	}
}

// Primary is the reference sensor id.
func (a *FrameAligner) Primary() string {
	return a.primary
}

// Tolerance is the alignment window in seconds.
func (a *FrameAligner) Tolerance() float64 {
	return a.tolerance
}

func (a *FrameAligner) buffer(sensorID string) *FrameBuffer {
	b, ok := a.buffers[sensorID]
	if !ok {
		b = NewFrameBuffer(a.bufSize, a.maxAge)
		a.buffers[sensorID] = b
	}
	return b
}

// AddFrame stores f in its sensor's buffer, creating the buffer on first use.
func (a *FrameAligner) AddFrame(f *frame.SensorFrame) {
	if f == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer(f.SensorID).Add(f)
}

// AlignToTimestamp picks, for each requested sensor (all known when none are
// given), the nearest buffered frame within tolerance of target.
func (a *FrameAligner) AlignToTimestamp(target float64, sensorIDs ...string) *AlignedFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alignLocked(target, sensorIDs)
}

func (a *FrameAligner) alignLocked(target float64, sensorIDs []string) *AlignedFrame {
	if len(sensorIDs) == 0 {
		sensorIDs = make([]string, 0, len(a.buffers))
		for id := range a.buffers {
			sensorIDs = append(sensorIDs, id)
		}
	}
	out := &AlignedFrame{
		Timestamp: target,
		WallTime:  a.clk.Now(),
		Frames:    map[string]*frame.SensorFrame{},
		Errors:    map[string]float64{},
	}
	for _, id := range sensorIDs {
		b, ok := a.buffers[id]
		if !ok {
			continue
		}
		f, delta, ok := b.FindNearest(target)
		if !ok || math.Abs(delta) > a.tolerance {
			continue
		}
		out.Frames[id] = f
		out.Errors[id] = delta
	}
	a.total++
	if len(out.Frames) > 0 {
		a.successful++
	}
	return out
}

// AlignToPrimary aligns all sensors to the primary sensor's latest frame. It
// returns false when the primary has nothing buffered.
func (a *FrameAligner) AlignToPrimary() (*AlignedFrame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[a.primary]
	if !ok {
		return nil, false
	}
	latest, ok := b.Latest()
	if !ok {
		return nil, false
	}
	return a.alignLocked(latest.Timestamp, nil), true
}

// Stats returns alignment counters and per-sensor buffer occupancy.
func (a *FrameAligner) Stats() AlignerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := AlignerStats{
		TotalAlignments:      a.total,
		SuccessfulAlignments: a.successful,
		BufferSizes:          make(map[string]int, len(a.buffers)),
	}
	if a.total > 0 {
		st.SuccessRate = float64(a.successful) / float64(a.total)
	}
	for id, b := range a.buffers {
		st.BufferSizes[id] = b.Len()
	}
	return st
}

// Clear empties every buffer and resets the counters.
func (a *FrameAligner) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.buffers {
		b.Clear()
	}
	a.total = 0
	a.successful = 0
}

package live

import (
	"github.com/brokenrobotz/viam-sensorbox/fusion"
)

// Summary is the compact per-frame message pushed to websocket clients and
// returned from Readings.
type Summary struct {
	Type              string  `json:"type"`
	Sequence          uint64  `json:"sequence"`
	Timestamp         float64 `json:"timestamp"`
	Cameras           []int   `json:"cameras"`
	LidarPoints       int     `json:"lidar_points"`
	HasDepth          bool    `json:"has_depth"`
	DepthValidPercent float64 `json:"depth_valid_percent"`
	HasIMU            bool    `json:"has_imu"`
	FPS               float64 `json:"fps"`
}

// Summarize describes sf. seq and fps come from the caller since a frame
// does not know its position in the stream.
func Summarize(sf *fusion.SyncedFrame, seq uint64, fps float64) Summary {
	s := Summary{
		Type:      "frame",
		Sequence:  seq,
		Timestamp: sf.Timestamp,
		Cameras:   sf.CameraIDs(),
		FPS:       fps,
	}
	if sf.Lidar != nil && sf.Lidar.Data != nil {
		s.LidarPoints = sf.Lidar.Data.Len()
	}
	if d := sf.Depth; d != nil {
		s.HasDepth = true
		s.DepthValidPercent = d.Depth.ValidPercent()
		s.HasIMU = d.IMU != nil
	}
	return s
}

// RateMeter estimates a frame rate over the last few timestamps.
type RateMeter struct {
	window []float64
	size   int
}

func NewRateMeter(size int) *RateMeter {
	if size < 2 {
		size = 2
	}
	return &RateMeter{size: size}
}

// Tick records a frame at ts seconds and returns the current rate.
func (m *RateMeter) Tick(ts float64) float64 {
	if len(m.window) > 0 && ts < m.window[len(m.window)-1] {
		// timeline restarted
		m.window = m.window[:0]
	}
	m.window = append(m.window, ts)
	if len(m.window) > m.size {
		m.window = m.window[len(m.window)-m.size:]
	}
	return m.Rate()
}

// Rate is frames per second across the window, 0 until two ticks arrive.
func (m *RateMeter) Rate() float64 {
	if len(m.window) < 2 {
		return 0
	}
	span := m.window[len(m.window)-1] - m.window[0]
	if span <= 0 {
		return 0
	}
	return float64(len(m.window)-1) / span
}

func (m *RateMeter) Reset() { m.window = m.window[:0] }

// Package timesync keeps multi-sensor captures on one time base: a session
// clock anchor, per-sensor frame history and nearest-timestamp alignment.
package timesync

import (
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBufferSize = 100
	DefaultMaxAge     = 5.0
	DefaultTolerance  = 0.050

	defaultLatencyKey = "default"
)

// SyncConfig configures timestamping and alignment.
type SyncConfig struct {
	// LatencyCompensation maps a sensor type to the fixed capture latency,
	// in seconds, subtracted from its timestamps on request.
	LatencyCompensation map[string]float64 `json:"latency_compensation,omitempty"`
	AlignmentTolerance  float64            `json:"alignment_tolerance_sec,omitempty"`
	BufferSize          int                `json:"buffer_size,omitempty"`
	MaxAge              float64            `json:"max_age_sec,omitempty"`
}

// DefaultSyncConfig returns camera 10ms / lidar 5ms latency compensation and a
// 50ms alignment window.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		LatencyCompensation: map[string]float64{
			"camera": 0.010,
			"lidar":  0.005,
		},
		AlignmentTolerance: DefaultTolerance,
		BufferSize:         DefaultBufferSize,
		MaxAge:             DefaultMaxAge,
	}
}

// Validate ensures all parts of the config are valid.
func (c *SyncConfig) Validate(path string) error {
	if c.AlignmentTolerance < 0 {
		return errors.Errorf(`"alignment_tolerance_sec" must not be negative for %q`, path)
	}
	if c.BufferSize < 0 {
		return errors.Errorf(`"buffer_size" must not be negative for %q`, path)
	}
	if c.MaxAge < 0 {
		return errors.Errorf(`"max_age_sec" must not be negative for %q`, path)
	}
	for k, v := range c.LatencyCompensation {
		if v < 0 {
			return errors.Errorf("latency compensation for %q must not be negative for %q", k, path)
		}
	}
	return nil
}

// withDefaults fills zero values.
func (c SyncConfig) withDefaults() SyncConfig {
	def := DefaultSyncConfig()
	if c.LatencyCompensation == nil {
		c.LatencyCompensation = def.LatencyCompensation
	}
	if c.AlignmentTolerance == 0 {
		c.AlignmentTolerance = def.AlignmentTolerance
	}
	if c.BufferSize == 0 {
		c.BufferSize = def.BufferSize
	}
	if c.MaxAge == 0 {
		c.MaxAge = def.MaxAge
	}
	return c
}

func (c SyncConfig) latency(sensorType string) time.Duration {
	v, ok := c.LatencyCompensation[sensorType]
	if !ok {
		v = c.LatencyCompensation[defaultLatencyKey]
	}
	return time.Duration(v * float64(time.Second))
}

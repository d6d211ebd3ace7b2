// Package frame defines the readings that flow between sensor drivers, the
// synchronization core and the recording/live collaborators.
package frame

import (
	"fmt"
	"time"
)

// SensorType identifies the class of device that produced a frame.
type SensorType string

// FrameType identifies the kind of payload a frame carries.
type FrameType string

const (
	SensorTypeCamera SensorType = "camera"
	SensorTypeLidar  SensorType = "lidar"

	FrameTypeImage      FrameType = "image"
	FrameTypePointCloud FrameType = "point_cloud"
	FrameTypeScan       FrameType = "scan"
)

// SensorFrame is a single reading from a single sensor. Drivers build it once
// in Read and nobody mutates it afterwards.
type SensorFrame struct {
	SensorID   string
	SensorType SensorType
	FrameType  FrameType
	// Timestamp is in seconds on the monotonic clock, relative to the
	// sensor's first read after connect.
	Timestamp float64
	WallTime  time.Time
	Sequence  uint64
	Data      Payload
	Metadata  map[string]interface{}
}

// Clone returns a deep copy of the frame so that it can be handed to another
// goroutine without sharing payload buffers.
func (f *SensorFrame) Clone() *SensorFrame {
	if f == nil {
		return nil
	}
	out := *f
	if f.Data != nil {
		out.Data = f.Data.Clone()
	}
	if f.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(f.Metadata))
		for k, v := range f.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// NBytes is the payload size in bytes, or 0 for an empty frame.
func (f *SensorFrame) NBytes() int {
	if f == nil || f.Data == nil {
		return 0
	}
	return f.Data.NBytes()
}

func (f *SensorFrame) String() string {
	n := 0
	if f.Data != nil {
		n = f.Data.Len()
	}
	return fmt.Sprintf("SensorFrame(sensor_id=%q, type=%s, len=%d, seq=%d, ts=%.6f)",
		f.SensorID, f.FrameType, n, f.Sequence, f.Timestamp)
}

// SensorMetadata is static information about a sensor, filled in by the
// driver on connect.
type SensorMetadata struct {
	SensorID        string                 `json:"sensor_id"`
	SensorType      SensorType             `json:"sensor_type"`
	Manufacturer    string                 `json:"manufacturer,omitempty"`
	Model           string                 `json:"model,omitempty"`
	SerialNumber    string                 `json:"serial_number,omitempty"`
	FirmwareVersion string                 `json:"firmware_version,omitempty"`
	Config          map[string]interface{} `json:"config,omitempty"`
}

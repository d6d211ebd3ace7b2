package recorder

import (
	"time"

	"github.com/golang/geo/r3"

	"github.com/brokenrobotz/viam-sensorbox/fusion"
	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
)

// SessionHeader is the first record of every session file.
type SessionHeader struct {
	ID          string            `cbor:"id"`
	Config      SensorConfig      `cbor:"config"`
	Description string            `cbor:"description"`
	Started     time.Time         `cbor:"started"`
	Cameras     []int             `cbor:"cameras"`
	Lidar       bool              `cbor:"lidar"`
	Depth       bool              `cbor:"depth"`
	Metadata    map[string]string `cbor:"metadata,omitempty"`
}

// sensorRecord is a SensorFrame with its payload split into concrete fields.
type sensorRecord struct {
	SensorID   string                 `cbor:"id"`
	SensorType frame.SensorType       `cbor:"st"`
	FrameType  frame.FrameType        `cbor:"ft"`
	Timestamp  float64                `cbor:"ts"`
	WallTime   time.Time              `cbor:"wall"`
	Sequence   uint64                 `cbor:"seq"`
	Image      *frame.ImagePayload    `cbor:"img,omitempty"`
	Scan       *frame.ScanPayload     `cbor:"scan,omitempty"`
	Points     []r3.Vector            `cbor:"pts,omitempty"`
	Metadata   map[string]interface{} `cbor:"meta,omitempty"`
}

type depthRecord struct {
	Timestamp float64             `cbor:"ts"`
	WallTime  time.Time           `cbor:"wall"`
	Sequence  uint64              `cbor:"seq"`
	RGB       *frame.ImagePayload `cbor:"rgb,omitempty"`
	Depth     *frame.DepthMap     `cbor:"depth,omitempty"`
	IMU       *frame.IMUSample    `cbor:"imu,omitempty"`
}

// frameRecord is one SyncedFrame on disk.
type frameRecord struct {
	Timestamp float64               `cbor:"ts"`
	WallTime  time.Time             `cbor:"wall"`
	Cameras   map[int]*sensorRecord `cbor:"cams,omitempty"`
	Lidar     *sensorRecord         `cbor:"lidar,omitempty"`
	Depth     *depthRecord          `cbor:"depth,omitempty"`
}

func toSensorRecord(f *frame.SensorFrame) *sensorRecord {
	if f == nil {
		return nil
	}
	r := &sensorRecord{
		SensorID:   f.SensorID,
		SensorType: f.SensorType,
		FrameType:  f.FrameType,
		Timestamp:  f.Timestamp,
		WallTime:   f.WallTime,
		Sequence:   f.Sequence,
		Metadata:   f.Metadata,
	}
	switch p := f.Data.(type) {
	case *frame.ImagePayload:
		r.Image = p
	case *frame.ScanPayload:
		r.Scan = p
	case *frame.PointsPayload:
		r.Points = p.Points
	}
	return r
}

func (r *sensorRecord) frame() *frame.SensorFrame {
	if r == nil {
		return nil
	}
	f := &frame.SensorFrame{
		SensorID:   r.SensorID,
		SensorType: r.SensorType,
		FrameType:  r.FrameType,
		Timestamp:  r.Timestamp,
		WallTime:   r.WallTime,
		Sequence:   r.Sequence,
		Metadata:   r.Metadata,
	}
	switch {
	case r.Image != nil:
		f.Data = r.Image
	case r.Scan != nil:
		f.Data = r.Scan
	case r.Points != nil:
		f.Data = &frame.PointsPayload{Points: r.Points}
	}
	return f
}

func toFrameRecord(sf *fusion.SyncedFrame) *frameRecord {
	r := &frameRecord{
		Timestamp: sf.Timestamp,
		WallTime:  sf.WallTime,
		Lidar:     toSensorRecord(sf.Lidar),
	}
	if len(sf.Cameras) > 0 {
		r.Cameras = make(map[int]*sensorRecord, len(sf.Cameras))
		for id, c := range sf.Cameras {
			r.Cameras[id] = toSensorRecord(c)
		}
	}
	if d := sf.Depth; d != nil {
		r.Depth = &depthRecord{
			Timestamp: d.Timestamp,
			WallTime:  d.WallTime,
			Sequence:  d.Sequence,
			RGB:       d.RGB,
			Depth:     d.Depth,
			IMU:       d.IMU,
		}
	}
	return r
}

func (r *frameRecord) syncedFrame() *fusion.SyncedFrame {
	sf := &fusion.SyncedFrame{
		Timestamp: r.Timestamp,
		WallTime:  r.WallTime,
		Cameras:   make(map[int]*frame.SensorFrame, len(r.Cameras)),
		Lidar:     r.Lidar.frame(),
	}
	for id, c := range r.Cameras {
		sf.Cameras[id] = c.frame()
	}
	if d := r.Depth; d != nil {
		sf.Depth = &frame.DepthFrame{
			Timestamp: d.Timestamp,
			WallTime:  d.WallTime,
			Sequence:  d.Sequence,
			RGB:       d.RGB,
			Depth:     d.Depth,
			IMU:       d.IMU,
		}
	}
	return sf
}

package frame

import (
	"time"

	"github.com/golang/geo/r3"
)

// DepthMap holds per-pixel depth in millimetres, 0 meaning no measurement.
type DepthMap struct {
	Width  int      `cbor:"w"`
	Height int      `cbor:"h"`
	MM     []uint16 `cbor:"mm"`
}

// At returns the depth at column u, row v.
func (d *DepthMap) At(u, v int) uint16 {
	return d.MM[v*d.Width+u]
}

// ValidPercent is the share of pixels carrying a measurement, in percent.
func (d *DepthMap) ValidPercent() float64 {
	if d == nil || len(d.MM) == 0 {
		return 0
	}
	valid := 0
	for _, z := range d.MM {
		if z > 0 {
			valid++
		}
	}
	return float64(valid) / float64(len(d.MM)) * 100
}

func (d *DepthMap) clone() *DepthMap {
	if d == nil {
		return nil
	}
	out := *d
	out.MM = append([]uint16(nil), d.MM...)
	return &out
}

// IMUSample is the most recent accelerometer/gyroscope packet.
type IMUSample struct {
	Accelerometer r3.Vector `cbor:"acc"`
	Gyroscope     r3.Vector `cbor:"gyro"`
}

// DepthFrame is the composite reading of a depth+IMU camera. RGB is always
// set on frames handed to the fusion core; Depth and IMU are optional.
type DepthFrame struct {
	Timestamp float64
	WallTime  time.Time
	Sequence  uint64
	RGB       *ImagePayload
	Depth     *DepthMap
	IMU       *IMUSample
}

// Clone deep-copies the frame.
func (f *DepthFrame) Clone() *DepthFrame {
	if f == nil {
		return nil
	}
	out := *f
	if f.RGB != nil {
		out.RGB = f.RGB.Clone().(*ImagePayload)
	}
	out.Depth = f.Depth.clone()
	if f.IMU != nil {
		imu := *f.IMU
		out.IMU = &imu
	}
	return &out
}

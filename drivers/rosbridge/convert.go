package rosbridge

import (
	"encoding/binary"
	"math"

	"github.com/bluenviron/goroslib/v2/pkg/msgs/sensor_msgs"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
)

// ScanPoints converts a LaserScan into scanner-style points: degrees in
// [0, 360) and millimetres. Ranges outside [RangeMin, RangeMax] are dropped.
func ScanPoints(m *sensor_msgs.LaserScan) []frame.ScanPoint {
	pts := make([]frame.ScanPoint, 0, len(m.Ranges))
	for i, r := range m.Ranges {
		if math.IsNaN(float64(r)) || math.IsInf(float64(r), 0) || r < m.RangeMin || r > m.RangeMax || r <= 0 {
			continue
		}
		deg := float64(m.AngleMin+float32(i)*m.AngleIncrement) * 180 / math.Pi
		deg = math.Mod(deg, 360)
		if deg < 0 {
			deg += 360
		}
		var q uint8
		if i < len(m.Intensities) {
			q = uint8(math.Min(math.Max(float64(m.Intensities[i]), 0), 255))
		}
		pts = append(pts, frame.ScanPoint{AngleDeg: deg, DistanceMM: float64(r) * 1000, Quality: q})
	}
	return pts
}

func channels(encoding string) (int, error) {
	switch encoding {
	case "rgb8", "bgr8":
		return 3, nil
	case "rgba8", "bgra8":
		return 4, nil
	case "mono8":
		return 1, nil
	default:
		return 0, errors.Errorf("unsupported image encoding %q", encoding)
	}
}

// ImagePayload packs an 8-bit Image into a tightly packed RGB or mono
// buffer. BGR input is swapped to RGB.
func ImagePayload(m *sensor_msgs.Image) (*frame.ImagePayload, error) {
	ch, err := channels(m.Encoding)
	if err != nil {
		return nil, err
	}
	w, h := int(m.Width), int(m.Height)
	row := w * ch
	step := int(m.Step)
	if step < row || len(m.Data) < step*(h-1)+row {
		return nil, errors.Errorf("image data too short: %d bytes for %dx%d step %d", len(m.Data), w, h, step)
	}
	outCh := ch
	if ch == 4 {
		outCh = 3
	}
	pix := make([]byte, 0, w*h*outCh)
	bgr := m.Encoding == "bgr8" || m.Encoding == "bgra8"
	for y := 0; y < h; y++ {
		line := m.Data[y*step : y*step+row]
		if ch == 1 {
			pix = append(pix, line...)
			continue
		}
		for x := 0; x < w; x++ {
			p := line[x*ch : x*ch+3]
			if bgr {
				pix = append(pix, p[2], p[1], p[0])
			} else {
				pix = append(pix, p[0], p[1], p[2])
			}
		}
	}
	enc := "rgb8"
	if ch == 1 {
		enc = "mono8"
	}
	return &frame.ImagePayload{Width: w, Height: h, Channels: outCh, Encoding: enc, Pix: pix}, nil
}

// DepthMap converts a 16UC1 (millimetres) or 32FC1 (metres) depth image.
func DepthMap(m *sensor_msgs.Image) (*frame.DepthMap, error) {
	w, h := int(m.Width), int(m.Height)
	step := int(m.Step)
	var order binary.ByteOrder = binary.LittleEndian
	if m.IsBigendian != 0 {
		order = binary.BigEndian
	}
	mm := make([]uint16, 0, w*h)
	switch m.Encoding {
	case "16UC1", "mono16":
		if step < w*2 || len(m.Data) < step*(h-1)+w*2 {
			return nil, errors.New("depth image data too short")
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				mm = append(mm, order.Uint16(m.Data[y*step+x*2:]))
			}
		}
	case "32FC1":
		if step < w*4 || len(m.Data) < step*(h-1)+w*4 {
			return nil, errors.New("depth image data too short")
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := math.Float32frombits(order.Uint32(m.Data[y*step+x*4:]))
				if math.IsNaN(float64(v)) || v <= 0 {
					mm = append(mm, 0)
					continue
				}
				mm = append(mm, uint16(math.Min(float64(v)*1000, math.MaxUint16)))
			}
		}
	default:
		return nil, errors.Errorf("unsupported depth encoding %q", m.Encoding)
	}
	return &frame.DepthMap{Width: w, Height: h, MM: mm}, nil
}

// IMUSample copies the linear acceleration and angular velocity of an Imu message.
func IMUSample(m *sensor_msgs.Imu) *frame.IMUSample {
	return &frame.IMUSample{
		Accelerometer: r3.Vector{X: m.LinearAcceleration.X, Y: m.LinearAcceleration.Y, Z: m.LinearAcceleration.Z},
		Gyroscope:     r3.Vector{X: m.AngularVelocity.X, Y: m.AngularVelocity.Y, Z: m.AngularVelocity.Z},
	}
}

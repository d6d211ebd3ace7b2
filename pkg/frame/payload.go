package frame

import (
	"github.com/golang/geo/r3"
)

// Payload is the data carried by a SensorFrame.
type Payload interface {
	// Len is the number of elements: pixels for images, points for scans and clouds.
	Len() int
	NBytes() int
	Clone() Payload
}

// ImagePayload is a packed, row-major image buffer.
type ImagePayload struct {
	Width    int    `cbor:"w"`
	Height   int    `cbor:"h"`
	Channels int    `cbor:"c"`
	Encoding string `cbor:"enc"`
	Pix      []byte `cbor:"pix"`
}

func (p *ImagePayload) Len() int    { return p.Width * p.Height }
func (p *ImagePayload) NBytes() int { return len(p.Pix) }

func (p *ImagePayload) Clone() Payload {
	out := *p
	out.Pix = append([]byte(nil), p.Pix...)
	return &out
}

// ScanPoint is one laser rangefinder measurement.
type ScanPoint struct {
	AngleDeg   float64 `cbor:"a"`
	DistanceMM float64 `cbor:"d"`
	Quality    uint8   `cbor:"q"`
}

// ScanPayload is a full 360° rotation of a laser scanner.
type ScanPayload struct {
	Points []ScanPoint `cbor:"pts"`
}

func (p *ScanPayload) Len() int    { return len(p.Points) }
func (p *ScanPayload) NBytes() int { return len(p.Points) * 17 }

func (p *ScanPayload) Clone() Payload {
	return &ScanPayload{Points: append([]ScanPoint(nil), p.Points...)}
}

// PointsPayload is an unordered set of 3D points in metres.
type PointsPayload struct {
	Points []r3.Vector `cbor:"pts"`
}

func (p *PointsPayload) Len() int    { return len(p.Points) }
func (p *PointsPayload) NBytes() int { return len(p.Points) * 24 }

func (p *PointsPayload) Clone() Payload {
	return &PointsPayload{Points: append([]r3.Vector(nil), p.Points...)}
}

// Package fake implements deterministic in-memory sensor drivers.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
)

// ErrScripted is the default error returned by a failing fake.
var ErrScripted = errors.New("fake sensor failure")

// Script controls how a fake misbehaves.
type Script struct {
	// ConnectErr is returned from every Connect.
	ConnectErr error
	// FailEvery makes every Nth Read return ReadErr. 1 fails every read.
	FailEvery int
	ReadErr   error
	// EmptyEvery makes every Nth Read return nothing and no error.
	EmptyEvery int
	// Period is the native frame interval. Reads sooner than that after the
	// last produced frame return nothing.
	Period time.Duration
}

func (s Script) readErr() error {
	if s.ReadErr != nil {
		return s.ReadErr
	}
	return ErrScripted
}

// base carries the lifecycle bookkeeping shared by every fake.
type base struct {
	mu          sync.Mutex
	script      Script
	connected   bool
	connects    int
	disconnects int
	reads       int
	clk         clock.Clock
	lastAt      time.Time
	seq         *frame.Sequencer
}

func newBase(clk clock.Clock, script Script) base {
	if clk == nil {
		clk = clock.New()
	}
	return base{script: script, clk: clk, seq: frame.NewSequencer(clk)}
}

func (b *base) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if b.script.ConnectErr != nil {
		return b.script.ConnectErr
	}
	b.connected = true
	b.lastAt = time.Time{}
	b.seq.Reset()
	return nil
}

func (b *base) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnects++
	b.connected = false
	return nil
}

// IsConnected reports whether Connect succeeded and Disconnect was not called since.
func (b *base) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Calls returns how many times each lifecycle method ran.
func (b *base) Calls() (connects, disconnects, reads int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects, b.disconnects, b.reads
}

// SetScript replaces the failure script.
func (b *base) SetScript(s Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = s
}

// step returns (produce, err) for the next read. Called with mu held.
func (b *base) step() (bool, error) {
	b.reads++
	if !b.connected {
		return false, errors.New("fake sensor not connected")
	}
	if n := b.script.FailEvery; n > 0 && b.reads%n == 0 {
		return false, b.script.readErr()
	}
	if n := b.script.EmptyEvery; n > 0 && b.reads%n == 0 {
		return false, nil
	}
	now := b.clk.Now()
	if p := b.script.Period; p > 0 && !b.lastAt.IsZero() && now.Sub(b.lastAt) < p {
		return false, nil
	}
	b.lastAt = now
	return true, nil
}

// Camera produces small gradient images.
type Camera struct {
	base
	ID            string
	Width, Height int
}

// NewCamera returns a fake camera whose frames carry sensor id id.
func NewCamera(id string, clk clock.Clock, script Script) *Camera {
	return &Camera{base: newBase(clk, script), ID: id, Width: 8, Height: 6}
}

func (c *Camera) Read(ctx context.Context) (*frame.SensorFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok, err := c.step()
	if !ok {
		return nil, err
	}
	ts, wall, seq := c.seq.Stamp()
	pix := make([]byte, c.Width*c.Height*3)
	for i := range pix {
		pix[i] = byte((i + int(seq)) % 256)
	}
	return &frame.SensorFrame{
		SensorID:   c.ID,
		SensorType: frame.SensorTypeCamera,
		FrameType:  frame.FrameTypeImage,
		Timestamp:  ts,
		WallTime:   wall,
		Sequence:   seq,
		Data: &frame.ImagePayload{
			Width: c.Width, Height: c.Height, Channels: 3, Encoding: "rgb8", Pix: pix,
		},
		Metadata: map[string]interface{}{"fake": true},
	}, nil
}

// Lidar produces full 360° scans of a circular room.
type Lidar struct {
	base
	ID       string
	Points   int
	RadiusMM float64
}

// NewLidar returns a fake scanner with one point per degree at 2m.
func NewLidar(clk clock.Clock, script Script) *Lidar {
	return &Lidar{base: newBase(clk, script), ID: "lidar", Points: 360, RadiusMM: 2000}
}

func (l *Lidar) Read(ctx context.Context) (*frame.SensorFrame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.step()
	if !ok {
		return nil, err
	}
	ts, wall, seq := l.seq.Stamp()
	pts := make([]frame.ScanPoint, l.Points)
	for i := range pts {
		pts[i] = frame.ScanPoint{
			AngleDeg:   float64(i) * 360 / float64(l.Points),
			DistanceMM: l.RadiusMM,
			Quality:    47,
		}
	}
	return &frame.SensorFrame{
		SensorID:   l.ID,
		SensorType: frame.SensorTypeLidar,
		FrameType:  frame.FrameTypeScan,
		Timestamp:  ts,
		WallTime:   wall,
		Sequence:   seq,
		Data:       &frame.ScanPayload{Points: pts},
	}, nil
}

// DepthCamera produces RGB, a flat depth plane and a resting IMU sample.
type DepthCamera struct {
	base
	Width, Height int
	DepthMM       uint16
}

// NewDepthCamera returns a fake 64x40 depth camera looking at a wall 1.5m away.
func NewDepthCamera(clk clock.Clock, script Script) *DepthCamera {
	return &DepthCamera{base: newBase(clk, script), Width: 64, Height: 40, DepthMM: 1500}
}

func (d *DepthCamera) Read(ctx context.Context) (*frame.DepthFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok, err := d.step()
	if !ok {
		return nil, err
	}
	ts, wall, seq := d.seq.Stamp()
	n := d.Width * d.Height
	mm := make([]uint16, n)
	for i := range mm {
		// a stripe of invalid pixels down the left edge
		if i%d.Width == 0 {
			continue
		}
		mm[i] = d.DepthMM
	}
	return &frame.DepthFrame{
		Timestamp: ts,
		WallTime:  wall,
		Sequence:  seq,
		RGB: &frame.ImagePayload{
			Width: d.Width, Height: d.Height, Channels: 3, Encoding: "rgb8", Pix: make([]byte, n*3),
		},
		Depth: &frame.DepthMap{Width: d.Width, Height: d.Height, MM: mm},
		IMU: &frame.IMUSample{
			Accelerometer: r3.Vector{Z: 9.81},
			Gyroscope:     r3.Vector{},
		},
	}, nil
}

// Package viamcam adapts Viam camera resources to fusion sources.
package viamcam

import (
	"context"
	"image"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/pointcloud"

	"github.com/brokenrobotz/viam-sensorbox/fusion"
	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
)

// ImageCamera reads the first image a Viam camera returns on each Read.
type ImageCamera struct {
	cam      camera.Camera
	sensorID string
	source   string
	seq      *frame.Sequencer

	mu        sync.Mutex
	connected bool
}

var _ fusion.Camera = (*ImageCamera)(nil)

// NewImageCamera wraps cam. source selects one imager of a multi-imager
// camera and may be empty.
func NewImageCamera(cam camera.Camera, sensorID, source string, clk clock.Clock) *ImageCamera {
	return &ImageCamera{cam: cam, sensorID: sensorID, source: source, seq: frame.NewSequencer(clk)}
}

func (c *ImageCamera) Connect(ctx context.Context) error {
	if _, err := c.cam.Properties(ctx); err != nil {
		return errors.Wrapf(err, "camera %s unavailable", c.cam.Name())
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.seq.Reset()
	return nil
}

// Disconnect only marks the adapter closed; the resource belongs to the robot.
func (c *ImageCamera) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *ImageCamera) Read(ctx context.Context) (*frame.SensorFrame, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, fusion.ErrNotConnected
	}

	var filter []string
	if c.source != "" {
		filter = []string{c.source}
	}
	imgs, _, err := c.cam.Images(ctx, filter, nil)
	if err != nil {
		return nil, err
	}
	if len(imgs) == 0 {
		return nil, nil
	}
	img, err := imgs[0].Image(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "decoding camera image")
	}
	ts, wall, seq := c.seq.Stamp()
	return &frame.SensorFrame{
		SensorID:   c.sensorID,
		SensorType: frame.SensorTypeCamera,
		FrameType:  frame.FrameTypeImage,
		Timestamp:  ts,
		WallTime:   wall,
		Sequence:   seq,
		Data:       RGBPayload(img),
		Metadata: map[string]interface{}{
			"resource":  c.cam.Name().ShortName(),
			"source":    imgs[0].SourceName,
			"mime_type": imgs[0].MimeType(),
		},
	}, nil
}

// RGBPayload packs img into an rgb8 buffer, dropping alpha.
func RGBPayload(img image.Image) *frame.ImagePayload {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			pix = append(pix, byte(r>>8), byte(g>>8), byte(bl>>8))
		}
	}
	return &frame.ImagePayload{Width: w, Height: h, Channels: 3, Encoding: "rgb8", Pix: pix}
}

// PointCloudLidar is a laser scanner backed by a camera that returns point
// clouds, such as Viam's rplidar and ROS lidar modules.
type PointCloudLidar struct {
	cam      camera.Camera
	sensorID string
	seq      *frame.Sequencer

	mu     sync.Mutex
	closed bool
}

var _ fusion.LaserScanner = (*PointCloudLidar)(nil)

func NewPointCloudLidar(cam camera.Camera, sensorID string, clk clock.Clock) *PointCloudLidar {
	return &PointCloudLidar{cam: cam, sensorID: sensorID, seq: frame.NewSequencer(clk), closed: true}
}

func (l *PointCloudLidar) Connect(ctx context.Context) error {
	props, err := l.cam.Properties(ctx)
	if err != nil {
		return errors.Wrapf(err, "lidar %s unavailable", l.cam.Name())
	}
	if !props.SupportsPCD {
		return errors.Errorf("camera %s does not produce point clouds", l.cam.Name())
	}
	l.mu.Lock()
	l.closed = false
	l.mu.Unlock()
	l.seq.Reset()
	return nil
}

func (l *PointCloudLidar) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *PointCloudLidar) Read(ctx context.Context) (*frame.SensorFrame, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, fusion.ErrSourceClosed
	}
	pc, err := l.cam.NextPointCloud(ctx, nil)
	if err != nil {
		return nil, err
	}
	if pc == nil || pc.Size() == 0 {
		return nil, nil
	}
	pts := Points(pc)
	ts, wall, seq := l.seq.Stamp()
	return &frame.SensorFrame{
		SensorID:   l.sensorID,
		SensorType: frame.SensorTypeLidar,
		FrameType:  frame.FrameTypePointCloud,
		Timestamp:  ts,
		WallTime:   wall,
		Sequence:   seq,
		Data:       &frame.PointsPayload{Points: pts},
		Metadata:   map[string]interface{}{"num_points": len(pts), "resource": l.cam.Name().ShortName()},
	}, nil
}

// Points converts an rdk point cloud in millimetres into points in metres.
func Points(pc pointcloud.PointCloud) []r3.Vector {
	pts := make([]r3.Vector, 0, pc.Size())
	pc.Iterate(0, 0, func(p r3.Vector, _ pointcloud.Data) bool {
		pts = append(pts, p.Mul(0.001))
		return true
	})
	return pts
}

package frame

import (
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
)

// CameraIntrinsics are pinhole parameters in pixels.
type CameraIntrinsics struct {
	Fx, Fy, Cx, Cy float64
	Width, Height  int
}

// DepthIntrinsics640x400 is the stereo calibration of the depth camera at its
// native 640x400 depth resolution.
var DepthIntrinsics640x400 = CameraIntrinsics{Fx: 400, Fy: 400, Cx: 312, Cy: 192, Width: 640, Height: 400}

// Scale rescales the intrinsics to another resolution.
func (c CameraIntrinsics) Scale(width, height int) CameraIntrinsics {
	sx := float64(width) / float64(c.Width)
	sy := float64(height) / float64(c.Height)
	return CameraIntrinsics{
		Fx: c.Fx * sx, Fy: c.Fy * sy,
		Cx: c.Cx * sx, Cy: c.Cy * sy,
		Width: width, Height: height,
	}
}

// ScanToPoints converts a laser scan to points in metres in the scanner plane
// (z = 0). Zero-distance returns are dropped.
func ScanToPoints(scan *ScanPayload) []r3.Vector {
	if scan == nil {
		return nil
	}
	out := make([]r3.Vector, 0, len(scan.Points))
	for _, p := range scan.Points {
		if p.DistanceMM <= 0 {
			continue
		}
		rad := p.AngleDeg * math.Pi / 180
		d := p.DistanceMM / 1000
		out = append(out, r3.Vector{X: d * math.Cos(rad), Y: d * math.Sin(rad)})
	}
	return out
}

// DepthToPoints back-projects a depth map to camera-frame points in metres.
// Pixels at 0 or at or beyond maxDepthMM are skipped; subsample < 1 is treated as 1.
// The zero-value intrinsics select DepthIntrinsics640x400 scaled to the map.
func DepthToPoints(depth *DepthMap, intr CameraIntrinsics, maxDepthMM float64, subsample int) []r3.Vector {
	if depth == nil || depth.Width == 0 || depth.Height == 0 {
		return nil
	}
	if intr.Width == 0 {
		intr = DepthIntrinsics640x400.Scale(depth.Width, depth.Height)
	}
	if subsample < 1 {
		subsample = 1
	}
	var out []r3.Vector
	for v := 0; v < depth.Height; v += subsample {
		for u := 0; u < depth.Width; u += subsample {
			z := float64(depth.At(u, v))
			if z <= 0 || z >= maxDepthMM {
				continue
			}
			zm := z / 1000
			out = append(out, r3.Vector{
				X: (float64(u) - intr.Cx) * zm / intr.Fx,
				// image rows grow downward
				Y: -(float64(v) - intr.Cy) * zm / intr.Fy,
				Z: zm,
			})
		}
	}
	return out
}

// ToPointCloud builds an rdk point cloud from points in metres. rdk clouds are
// in millimetres.
func ToPointCloud(points []r3.Vector) (pointcloud.PointCloud, error) {
	pc := pointcloud.New()
	for _, p := range points {
		if err := pc.Set(p.Mul(1000), nil); err != nil {
			return nil, errors.Wrap(err, "building point cloud")
		}
	}
	return pc, nil
}

// WritePCD writes points as a binary PCD file.
func WritePCD(w io.Writer, points []r3.Vector) error {
	pc, err := ToPointCloud(points)
	if err != nil {
		return err
	}
	return pointcloud.ToPCD(pc, w, pointcloud.PCDBinary)
}

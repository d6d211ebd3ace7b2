package fusion

import (
	"sort"
	"time"

	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
)

// SyncedFrame is one output tick of the Fuser. Cameras holds at most one
// frame per configured camera. Lidar and Depth are the latest readings that
// were waiting at drain time and are not matched to the camera timestamps.
type SyncedFrame struct {
	// Timestamp is seconds since Connect.
	Timestamp float64
	WallTime  time.Time
	Cameras   map[int]*frame.SensorFrame
	Lidar     *frame.SensorFrame
	Depth     *frame.DepthFrame
}

// Camera returns the frame of camera id, or nil.
func (f *SyncedFrame) Camera(id int) *frame.SensorFrame {
	return f.Cameras[id]
}

func (f *SyncedFrame) HasLidar() bool { return f.Lidar != nil }
func (f *SyncedFrame) HasDepth() bool { return f.Depth != nil }
func (f *SyncedFrame) NumCameras() int { return len(f.Cameras) }

// CameraIDs lists the cameras present in this frame, ascending.
func (f *SyncedFrame) CameraIDs() []int {
	ids := make([]int, 0, len(f.Cameras))
	for id := range f.Cameras {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

package fusion

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/brokenrobotz/viam-sensorbox/timesync"
)

const (
	DefaultTargetFPS        = 30.0
	DefaultPollSleep        = 5 * time.Millisecond
	DefaultJoinTimeout      = 2 * time.Second
	DefaultLidarRetryDelay  = 100 * time.Millisecond
	DefaultDepthRetryDelay  = 10 * time.Millisecond
	DefaultWorkerIdleDelay  = time.Millisecond
	defaultFrameIntervalSec = 0.033
)

// Config describes the sensors owned by a Fuser and its pacing.
type Config struct {
	// Cameras are read in slice order on every Read.
	Cameras []CameraBinding
	// Lidar and Depth are optional; nil disables the source.
	Lidar LaserScanner
	Depth DepthCamera

	TargetFPS        float64
	PollSleep        time.Duration
	JoinTimeout      time.Duration
	LidarRetryDelay  time.Duration
	DepthRetryDelay  time.Duration
	WorkerIdleDelay  time.Duration
	// MaxStaleness drops lidar/depth readings that waited longer than this in
	// their mailbox. Zero keeps whatever is latest, however old.
	MaxStaleness time.Duration

	// Aligner, when set, receives every camera and lidar frame the Fuser emits.
	Aligner *timesync.FrameAligner
	Sync    timesync.SyncConfig

	Clock  clock.Clock
	Logger logging.Logger
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	seen := map[int]bool{}
	for _, b := range c.Cameras {
		if b.Camera == nil {
			return errors.Errorf("camera %d has no driver", b.ID)
		}
		if seen[b.ID] {
			return errors.Errorf("camera id %d configured twice", b.ID)
		}
		seen[b.ID] = true
	}
	if c.TargetFPS < 0 {
		return errors.New("target fps must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"poll sleep":        c.PollSleep,
		"join timeout":      c.JoinTimeout,
		"lidar retry delay": c.LidarRetryDelay,
		"depth retry delay": c.DepthRetryDelay,
		"worker idle delay": c.WorkerIdleDelay,
		"max staleness":     c.MaxStaleness,
	} {
		if d < 0 {
			return errors.Errorf("%s must not be negative", name)
		}
	}
	return c.Sync.Validate("fusion")
}

func (c Config) withDefaults() Config {
	if c.PollSleep == 0 {
		c.PollSleep = DefaultPollSleep
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.LidarRetryDelay == 0 {
		c.LidarRetryDelay = DefaultLidarRetryDelay
	}
	if c.DepthRetryDelay == 0 {
		c.DepthRetryDelay = DefaultDepthRetryDelay
	}
	if c.WorkerIdleDelay == 0 {
		c.WorkerIdleDelay = DefaultWorkerIdleDelay
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = logging.NewLogger("fusion")
	}
	return c
}

// CameraIDs returns the configured camera ids in read order.
func (c *Config) CameraIDs() []int {
	ids := make([]int, len(c.Cameras))
	for i, b := range c.Cameras {
		ids[i] = b.ID
	}
	return ids
}

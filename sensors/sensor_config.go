package sensors

import (
	"fmt"
	"strings"

	"github.com/brokenrobotz/viam-sensorbox/timesync"
)

// RplidarAuto as rplidar_port probes USB serial ports for a scanner.
const RplidarAuto = "auto"

type DepthRosConfig struct {
	RGBTopic   string `json:"rgb_topic"`
	DepthTopic string `json:"depth_topic,omitempty"`
	ImuTopic   string `json:"imu_topic,omitempty"`
}

type FusionSensorConfig struct {
	// Cameras are Viam camera resource names, read in order as camera_0, camera_1, ...
	Cameras      []string `json:"cameras,omitempty"`
	CameraSource string   `json:"camera_source,omitempty"`

	// At most one lidar source.
	Lidar        string `json:"lidar,omitempty"`
	RplidarPort  string `json:"rplidar_port,omitempty"`
	RplidarBaud  int    `json:"rplidar_baud_rate,omitempty"`
	RosScanTopic string `json:"ros_scan_topic,omitempty"`

	DepthRos *DepthRosConfig `json:"depth_ros,omitempty"`

	PrimaryUri          string `json:"primary_uri,omitempty"`
	RosStatusTopic      string `json:"ros_status_topic,omitempty"`
	RosDiagnosticsTopic string `json:"ros_diagnostics_topic,omitempty"`

	TargetFPS       float64              `json:"target_fps,omitempty"`
	MaxStalenessSec float64              `json:"max_staleness_sec,omitempty"`
	Sync            *timesync.SyncConfig `json:"sync,omitempty"`

	RecordDir string `json:"record_dir,omitempty"`
	LivePort  int    `json:"live_port,omitempty"`

	// Fake replaces every sensor with a simulated one. FakeCameras sets how
	// many cameras are simulated and defaults to one.
	Fake        bool `json:"fake,omitempty"`
	FakeCameras int  `json:"fake_cameras,omitempty"`
}

func (cfg *FusionSensorConfig) lidarSources() int {
	n := 0
	for _, s := range []string{cfg.Lidar, cfg.RplidarPort, cfg.RosScanTopic} {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}

func (cfg *FusionSensorConfig) usesRos() bool {
	return cfg.RosScanTopic != "" || cfg.DepthRos != nil ||
		cfg.RosStatusTopic != "" || cfg.RosDiagnosticsTopic != ""
}

func (cfg *FusionSensorConfig) Validate(path string) ([]string, error) {
	if cfg.lidarSources() > 1 {
		return nil, fmt.Errorf(`only one of "lidar", "rplidar_port" and "ros_scan_topic" may be set for sensor %q`, path)
	}
	if cfg.usesRos() && cfg.PrimaryUri == "" {
		return nil, fmt.Errorf(`expected "primary_uri" attribute for sensor %q`, path)
	}
	if cfg.DepthRos != nil && cfg.DepthRos.RGBTopic == "" {
		return nil, fmt.Errorf(`expected "depth_ros.rgb_topic" attribute for sensor %q`, path)
	}
	if !cfg.Fake && len(cfg.Cameras) == 0 && cfg.lidarSources() == 0 && cfg.DepthRos == nil {
		return nil, fmt.Errorf(`sensor %q needs at least one camera, lidar or depth source`, path)
	}
	if cfg.FakeCameras < 0 {
		return nil, fmt.Errorf(`"fake_cameras" must not be negative for sensor %q`, path)
	}
	if cfg.TargetFPS < 0 {
		return nil, fmt.Errorf(`"target_fps" must not be negative for sensor %q`, path)
	}
	if cfg.MaxStalenessSec < 0 {
		return nil, fmt.Errorf(`"max_staleness_sec" must not be negative for sensor %q`, path)
	}
	if cfg.LivePort < 0 || cfg.LivePort > 65535 {
		return nil, fmt.Errorf(`"live_port" out of range for sensor %q`, path)
	}
	if cfg.Sync != nil {
		if err := cfg.Sync.Validate(path); err != nil {
			return nil, err
		}
	}
	seen := map[string]bool{}
	for _, c := range cfg.Cameras {
		if c == "" {
			return nil, fmt.Errorf(`empty camera name for sensor %q`, path)
		}
		if seen[c] {
			return nil, fmt.Errorf(`camera %q listed twice for sensor %q`, c, path)
		}
		seen[c] = true
	}

	if cfg.Fake {
		return nil, nil
	}
	deps := append([]string(nil), cfg.Cameras...)
	if cfg.Lidar != "" {
		deps = append(deps, cfg.Lidar)
	}
	return deps, nil
}

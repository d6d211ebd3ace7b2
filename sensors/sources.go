package sensors

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"github.com/brokenrobotz/viam-sensorbox/drivers/fake"
	"github.com/brokenrobotz/viam-sensorbox/drivers/rosbridge"
	"github.com/brokenrobotz/viam-sensorbox/drivers/rplidar"
	"github.com/brokenrobotz/viam-sensorbox/drivers/viamcam"
	"github.com/brokenrobotz/viam-sensorbox/fusion"
	"github.com/brokenrobotz/viam-sensorbox/timesync"
)

const (
	fakeLidarPeriod = 100 * time.Millisecond
	fakeDepthPeriod = 33 * time.Millisecond
)

var (
	lidarID = timesync.RoleSensorID(timesync.RoleLidar, 0)
	depthID = timesync.RoleSensorID(timesync.RoleDepth, 0)
)

var discoverRplidar = rplidar.Discover

// buildSources turns the attribute config into drivers. Nothing is connected.
func buildSources(
	ctx context.Context,
	deps resource.Dependencies,
	cfg *FusionSensorConfig,
	logger logging.Logger,
) (fusion.Config, error) {
	var out fusion.Config
	if cfg.Fake {
		n := cfg.FakeCameras
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			out.Cameras = append(out.Cameras, fusion.CameraBinding{
				ID:     i,
				Camera: fake.NewCamera(timesync.RoleSensorID(timesync.RoleCamera, i), nil, fake.Script{}),
			})
		}
		l := fake.NewLidar(nil, fake.Script{Period: fakeLidarPeriod})
		l.ID = lidarID
		out.Lidar = l
		out.Depth = fake.NewDepthCamera(nil, fake.Script{Period: fakeDepthPeriod})
		return out, nil
	}

	for i, name := range cfg.Cameras {
		cam, err := camera.FromDependencies(deps, name)
		if err != nil {
			return fusion.Config{}, errors.Wrapf(err, "camera %q", name)
		}
		out.Cameras = append(out.Cameras, fusion.CameraBinding{
			ID:     i,
			Camera: viamcam.NewImageCamera(cam, timesync.RoleSensorID(timesync.RoleCamera, i), cfg.CameraSource, nil),
		})
	}

	switch {
	case cfg.Lidar != "":
		cam, err := camera.FromDependencies(deps, cfg.Lidar)
		if err != nil {
			return fusion.Config{}, errors.Wrapf(err, "lidar %q", cfg.Lidar)
		}
		out.Lidar = viamcam.NewPointCloudLidar(cam, lidarID, nil)
	case cfg.RplidarPort != "":
		port := cfg.RplidarPort
		if port == RplidarAuto {
			found, err := discoverRplidar(ctx, logger)
			if err != nil {
				return fusion.Config{}, err
			}
			if len(found) == 0 {
				return fusion.Config{}, errors.New("no rplidar found on any USB serial port")
			}
			port = found[0].Port
			logger.Infow("using discovered rplidar", "port", port, "firmware", found[0].Firmware)
		}
		out.Lidar = rplidar.New(rplidar.Config{
			Port:     port,
			SensorID: lidarID,
			BaudRate: cfg.RplidarBaud,
			Logger:   logger.Sublogger("rplidar"),
		})
	case cfg.RosScanTopic != "":
		l, err := rosbridge.NewLaserScan(rosbridge.Conf{
			PrimaryUri: cfg.PrimaryUri,
			Topic:      cfg.RosScanTopic,
			SensorID:   lidarID,
			Logger:     logger.Sublogger("ros_scan"),
		})
		if err != nil {
			return fusion.Config{}, err
		}
		out.Lidar = l
	}

	if d := cfg.DepthRos; d != nil {
		dc, err := rosbridge.NewDepthCamera(rosbridge.Conf{
			PrimaryUri: cfg.PrimaryUri,
			SensorID:   depthID,
			Logger:     logger.Sublogger("ros_depth"),
		}, rosbridge.DepthTopics{RGB: d.RGBTopic, Depth: d.DepthTopic, Imu: d.ImuTopic})
		if err != nil {
			return fusion.Config{}, err
		}
		out.Depth = dc
	}
	return out, nil
}

// primarySensor is the aligner reference: the first camera, else the lidar.
func primarySensor(fc fusion.Config) string {
	if len(fc.Cameras) > 0 {
		return timesync.RoleSensorID(timesync.RoleCamera, fc.Cameras[0].ID)
	}
	return lidarID
}

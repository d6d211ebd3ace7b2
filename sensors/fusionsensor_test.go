package sensors

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/data"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/brokenrobotz/viam-sensorbox/drivers/rplidar"
	"github.com/brokenrobotz/viam-sensorbox/recorder"
)

func TestFusionSensorConfigValidate(t *testing.T) {
	deps, err := (&FusionSensorConfig{Cameras: []string{"left", "right"}, Lidar: "scanner"}).Validate("path")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"left", "right", "scanner"})

	deps, err = (&FusionSensorConfig{Fake: true, Cameras: []string{"left"}}).Validate("path")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldBeEmpty)

	for _, bad := range []*FusionSensorConfig{
		{},
		{Cameras: []string{"a"}, Lidar: "l", RplidarPort: "/dev/ttyUSB0"},
		{RosScanTopic: "/scan"},
		{PrimaryUri: "localhost:11311", DepthRos: &DepthRosConfig{}},
		{Cameras: []string{"a", "a"}},
		{Cameras: []string{""}},
		{Fake: true, TargetFPS: -1},
		{Fake: true, MaxStalenessSec: -0.5},
		{Fake: true, LivePort: 70000},
		{Fake: true, FakeCameras: -1},
	} {
		_, err := bad.Validate("path")
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func newTestSensor(t *testing.T, deps resource.Dependencies, cfg *FusionSensorConfig) *FusionSensor {
	t.Helper()
	s, err := NewFusionSensor(context.Background(), deps, resource.Config{
		Name:                "box",
		API:                 sensor.API,
		Model:               FusionModel,
		ConvertedAttributes: cfg,
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return s.(*FusionSensor)
}

func TestFakeFusionSensor(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestSensor(t, nil, &FusionSensorConfig{Fake: true, TargetFPS: 50, RecordDir: dir})

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		r, err := s.Readings(ctx, nil)
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, r["has_frame"], test.ShouldBeTrue)
		test.That(tb, r["lidar_points"], test.ShouldEqual, 360)
		test.That(tb, r["depth_valid_percent"], test.ShouldBeGreaterThan, 90)
	})

	r, err := s.Readings(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r["state"], test.ShouldEqual, "connected")
	test.That(t, r["recording"], test.ShouldNotBeEmpty)

	stats, err := s.DoCommand(ctx, map[string]interface{}{"command": "stats"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats["state"], test.ShouldEqual, "connected")
	test.That(t, stats["sources"], test.ShouldContainKey, "lidar")

	aligned, err := s.DoCommand(ctx, map[string]interface{}{"command": "align"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, aligned["sensors"], test.ShouldContain, "camera_0")

	pcdPath := filepath.Join(dir, "scan.pcd")
	res, err := s.DoCommand(ctx, map[string]interface{}{"command": "pcd", "path": pcdPath})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res["source"], test.ShouldEqual, "lidar")
	test.That(t, res["points"], test.ShouldEqual, 360)
	_, err = os.Stat(pcdPath)
	test.That(t, err, test.ShouldBeNil)

	_, err = s.DoCommand(ctx, map[string]interface{}{"command": "dance"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `unknown command "dance"`)

	test.That(t, s.Close(ctx), test.ShouldBeNil)
	_, err = s.Readings(ctx, nil)
	test.That(t, err, test.ShouldNotBeNil)

	matches, err := filepath.Glob(filepath.Join(dir, "CONF05_*"+recorder.Extension))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldHaveLength, 1)
	rd, err := recorder.Open(matches[0])
	test.That(t, err, test.ShouldBeNil)
	defer rd.Close()
	test.That(t, rd.Header().Cameras, test.ShouldResemble, []int{0})
	n := 0
	for sf, err := range rd.Frames() {
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sf.NumCameras(), test.ShouldEqual, 1)
		n++
	}
	test.That(t, n, test.ShouldBeGreaterThan, 0)
}

func TestReconfigureRestartsRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestSensor(t, nil, &FusionSensorConfig{Fake: true, TargetFPS: 50, RecordDir: dir})
	defer s.Close(ctx)
	first := s.runID

	err := s.Reconfigure(ctx, nil, resource.Config{
		Name:                "box",
		API:                 sensor.API,
		Model:               FusionModel,
		ConvertedAttributes: &FusionSensorConfig{Fake: true, FakeCameras: 2, TargetFPS: 50, RecordDir: dir},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.runID, test.ShouldNotEqual, first)
	// both sessions are kept even when started in the same second
	matches, err := filepath.Glob(filepath.Join(dir, "*"+recorder.Extension))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldHaveLength, 2)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		r, err := s.Readings(ctx, nil)
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, r["has_frame"], test.ShouldBeTrue)
		f := r["frame"].(map[string]interface{})
		test.That(tb, f["cameras"], test.ShouldHaveLength, 2)
	})
}

type stubCamera struct {
	camera.Camera
	name resource.Name
	img  image.Image
}

func (s *stubCamera) Name() resource.Name { return s.name }

func (s *stubCamera) Properties(ctx context.Context) (camera.Properties, error) {
	return camera.Properties{}, nil
}

func (s *stubCamera) Images(
	ctx context.Context,
	filterSourceNames []string,
	extra map[string]interface{},
) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	ni, err := camera.NamedImageFromImage(s.img, "color", "image/png", data.Annotations{})
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}
	return []camera.NamedImage{ni}, resource.ResponseMetadata{}, nil
}

func TestViamCameraDependency(t *testing.T) {
	ctx := context.Background()
	name := camera.Named("front")
	deps := resource.Dependencies{
		name: &stubCamera{name: name, img: image.NewRGBA(image.Rect(0, 0, 4, 4))},
	}
	s := newTestSensor(t, deps, &FusionSensorConfig{Cameras: []string{"front"}, TargetFPS: 50})
	defer s.Close(ctx)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		r, err := s.Readings(ctx, nil)
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, r["has_frame"], test.ShouldBeTrue)
		f := r["frame"].(map[string]interface{})
		test.That(tb, f["cameras"], test.ShouldResemble, []interface{}{0.0})
		test.That(tb, f["lidar_points"], test.ShouldEqual, 0.0)
	})

	_, err := s.DoCommand(ctx, map[string]interface{}{"command": "pcd"})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewFusionSensor(ctx, resource.Dependencies{}, resource.Config{
		Name:                "box2",
		API:                 sensor.API,
		Model:               FusionModel,
		ConvertedAttributes: &FusionSensorConfig{Cameras: []string{"missing"}},
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDiscoverCommand(t *testing.T) {
	orig := discoverRplidar
	discoverRplidar = func(ctx context.Context, logger logging.Logger) ([]rplidar.Candidate, error) {
		return []rplidar.Candidate{{Port: "/dev/ttyUSB0", Firmware: "1.29"}}, nil
	}
	t.Cleanup(func() { discoverRplidar = orig })

	ctx := context.Background()
	s := newTestSensor(t, nil, &FusionSensorConfig{Fake: true})
	defer s.Close(ctx)
	res, err := s.DoCommand(ctx, map[string]interface{}{"command": "discover"})
	test.That(t, err, test.ShouldBeNil)
	found := res["rplidars"].([]interface{})
	test.That(t, found, test.ShouldHaveLength, 1)
	test.That(t, found[0].(map[string]interface{})["port"], test.ShouldEqual, "/dev/ttyUSB0")
}

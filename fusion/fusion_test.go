package fusion_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/brokenrobotz/viam-sensorbox/drivers/fake"
	"github.com/brokenrobotz/viam-sensorbox/fusion"
	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
	"github.com/brokenrobotz/viam-sensorbox/timesync"
)

func newFuser(t *testing.T, cfg fusion.Config) *fusion.Fuser {
	t.Helper()
	cfg.Logger = logging.NewTestLogger(t)
	f, err := fusion.New(cfg)
	test.That(t, err, test.ShouldBeNil)
	return f
}

func cameras(ids ...int) ([]fusion.CameraBinding, []*fake.Camera) {
	var bindings []fusion.CameraBinding
	var cams []*fake.Camera
	for _, id := range ids {
		c := fake.NewCamera(timesync.RoleSensorID(timesync.RoleCamera, id), nil, fake.Script{})
		cams = append(cams, c)
		bindings = append(bindings, fusion.CameraBinding{ID: id, Camera: c})
	}
	return bindings, cams
}

func TestConfigValidate(t *testing.T) {
	bindings, _ := cameras(0)
	dup := append(bindings, bindings[0])
	_, err := fusion.New(fusion.Config{Cameras: dup})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "twice")

	_, err = fusion.New(fusion.Config{Cameras: []fusion.CameraBinding{{ID: 3}}})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = fusion.New(fusion.Config{PollSleep: -time.Second})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = fusion.New(fusion.Config{TargetFPS: -1})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReadBeforeConnect(t *testing.T) {
	bindings, cams := cameras(0)
	f := newFuser(t, fusion.Config{Cameras: bindings})

	_, err := f.Read(context.Background())
	test.That(t, errors.Is(err, fusion.ErrNotConnected), test.ShouldBeTrue)

	var errs []error
	for sf, err := range f.Stream(context.Background(), fusion.StreamOptions{MaxFrames: 5}) {
		test.That(t, sf, test.ShouldBeNil)
		errs = append(errs, err)
	}
	test.That(t, errs, test.ShouldHaveLength, 1)
	test.That(t, errors.Is(errs[0], fusion.ErrNotConnected), test.ShouldBeTrue)

	// nothing was read from the camera
	_, _, reads := cams[0].Calls()
	test.That(t, reads, test.ShouldEqual, 0)
}

func TestReadCamerasOnly(t *testing.T) {
	ctx := context.Background()
	bindings, _ := cameras(0, 1)
	f := newFuser(t, fusion.Config{Cameras: bindings})
	test.That(t, f.Connect(ctx), test.ShouldBeNil)
	defer func() { test.That(t, f.Disconnect(ctx), test.ShouldBeNil) }()

	sf, err := f.Read(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sf.NumCameras(), test.ShouldEqual, 2)
	test.That(t, sf.CameraIDs(), test.ShouldResemble, []int{0, 1})
	test.That(t, sf.Camera(1).SensorID, test.ShouldEqual, "camera_1")
	test.That(t, sf.HasLidar(), test.ShouldBeFalse)
	test.That(t, sf.HasDepth(), test.ShouldBeFalse)
	test.That(t, sf.Lidar, test.ShouldBeNil)
	test.That(t, sf.Depth, test.ShouldBeNil)
}

func TestCameraFailureIsAbsence(t *testing.T) {
	ctx := context.Background()
	bindings, cams := cameras(0, 1)
	cams[1].SetScript(fake.Script{FailEvery: 1})
	f := newFuser(t, fusion.Config{Cameras: bindings})
	test.That(t, f.Connect(ctx), test.ShouldBeNil)
	defer f.Disconnect(ctx)

	for i := 0; i < 3; i++ {
		sf, err := f.Read(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sf.CameraIDs(), test.ShouldResemble, []int{0})
	}
	test.That(t, f.Stats().CameraMisses[1], test.ShouldEqual, 3)
	test.That(t, f.Stats().CameraMisses[0], test.ShouldEqual, 0)
}

func TestConnectRollsBack(t *testing.T) {
	ctx := context.Background()
	bindings, cams := cameras(0, 1, 2)
	cams[1].SetScript(fake.Script{ConnectErr: errors.New("no device")})
	lidar := fake.NewLidar(nil, fake.Script{})
	f := newFuser(t, fusion.Config{Cameras: bindings, Lidar: lidar})

	err := f.Connect(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "camera 1")
	test.That(t, f.IsConnected(), test.ShouldBeFalse)
	test.That(t, f.State(), test.ShouldEqual, fusion.StateDisconnected)

	test.That(t, cams[0].IsConnected(), test.ShouldBeFalse)
	connects, disconnects, _ := cams[0].Calls()
	test.That(t, connects, test.ShouldEqual, 1)
	test.That(t, disconnects, test.ShouldEqual, 1)

	// later drivers are never touched
	connects, _, _ = cams[2].Calls()
	test.That(t, connects, test.ShouldEqual, 0)
	connects, _, _ = lidar.Calls()
	test.That(t, connects, test.ShouldEqual, 0)

	_, err = f.Read(ctx)
	test.That(t, errors.Is(err, fusion.ErrNotConnected), test.ShouldBeTrue)
}

func TestAsyncRollbackOnLidarFailure(t *testing.T) {
	ctx := context.Background()
	bindings, cams := cameras(0)
	lidar := fake.NewLidar(nil, fake.Script{ConnectErr: errors.New("port busy")})
	f := newFuser(t, fusion.Config{Cameras: bindings, Lidar: lidar})

	err := f.Connect(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, cams[0].IsConnected(), test.ShouldBeFalse)
	test.That(t, f.Stats().Sources["lidar"].Running, test.ShouldBeFalse)
}

func TestLidarAndDepthArrive(t *testing.T) {
	ctx := context.Background()
	bindings, _ := cameras(0)
	f := newFuser(t, fusion.Config{
		Cameras: bindings,
		Lidar:   fake.NewLidar(nil, fake.Script{Period: 10 * time.Millisecond}),
		Depth:   fake.NewDepthCamera(nil, fake.Script{Period: 10 * time.Millisecond}),
	})
	test.That(t, f.Connect(ctx), test.ShouldBeNil)
	defer f.Disconnect(ctx)

	var lidar *frame.SensorFrame
	var depth *frame.DepthFrame
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		sf, err := f.Read(ctx)
		test.That(tb, err, test.ShouldBeNil)
		if sf.Lidar != nil {
			lidar = sf.Lidar
		}
		if sf.Depth != nil {
			depth = sf.Depth
		}
		test.That(tb, lidar, test.ShouldNotBeNil)
		test.That(tb, depth, test.ShouldNotBeNil)
	})
	test.That(t, lidar.Data.Len(), test.ShouldEqual, 360)
	test.That(t, depth.RGB, test.ShouldNotBeNil)
	test.That(t, depth.Depth.ValidPercent(), test.ShouldBeGreaterThan, 90)

	stats := f.Stats()
	test.That(t, stats.Sources["lidar"].Running, test.ShouldBeTrue)
	test.That(t, stats.Sources["lidar"].Deposits, test.ShouldBeGreaterThan, 0)
	test.That(t, stats.Sources["depth"].Reads, test.ShouldBeGreaterThan, 0)
}

func TestAsyncFailureNeverPropagates(t *testing.T) {
	ctx := context.Background()
	bindings, _ := cameras(0)
	lidar := fake.NewLidar(nil, fake.Script{FailEvery: 1})
	f := newFuser(t, fusion.Config{
		Cameras:         bindings,
		Lidar:           lidar,
		LidarRetryDelay: 5 * time.Millisecond,
	})
	test.That(t, f.Connect(ctx), test.ShouldBeNil)
	defer f.Disconnect(ctx)

	start := time.Now()
	var frames []*fusion.SyncedFrame
	for sf, err := range f.Stream(ctx, fusion.StreamOptions{Duration: time.Second, TargetFPS: 10}) {
		test.That(t, err, test.ShouldBeNil)
		frames = append(frames, sf)
	}
	test.That(t, time.Since(start), test.ShouldBeGreaterThanOrEqualTo, time.Second)
	test.That(t, len(frames), test.ShouldBeBetweenOrEqual, 9, 11)
	for _, sf := range frames {
		test.That(t, sf.HasLidar(), test.ShouldBeFalse)
		test.That(t, sf.NumCameras(), test.ShouldEqual, 1)
	}

	src := f.Stats().Sources["lidar"]
	test.That(t, src.TransientErrors, test.ShouldBeGreaterThan, 0)
	test.That(t, src.Deposits, test.ShouldEqual, 0)
	test.That(t, src.Running, test.ShouldBeTrue)
}

func TestSourceClosedStopsWorker(t *testing.T) {
	ctx := context.Background()
	lidar := fake.NewLidar(nil, fake.Script{FailEvery: 1, ReadErr: fusion.ErrSourceClosed})
	f := newFuser(t, fusion.Config{Lidar: lidar})
	test.That(t, f.Connect(ctx), test.ShouldBeNil)
	defer f.Disconnect(ctx)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, f.Stats().Sources["lidar"].Running, test.ShouldBeFalse)
	})
	_, _, reads := lidar.Calls()
	test.That(t, reads, test.ShouldEqual, 1)

	sf, err := f.Read(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sf.HasLidar(), test.ShouldBeFalse)
}

func TestStreamMaxFrames(t *testing.T) {
	ctx := context.Background()
	bindings, _ := cameras(0)
	f := newFuser(t, fusion.Config{Cameras: bindings})
	test.That(t, f.Connect(ctx), test.ShouldBeNil)
	defer f.Disconnect(ctx)

	count := 0
	var last float64
	for sf, err := range f.Stream(ctx, fusion.StreamOptions{MaxFrames: 4, TargetFPS: 100}) {
		test.That(t, err, test.ShouldBeNil)
		if count > 0 {
			test.That(t, sf.Timestamp-last, test.ShouldBeGreaterThanOrEqualTo, 0.0099)
		}
		last = sf.Timestamp
		count++
	}
	test.That(t, count, test.ShouldEqual, 4)

	// the sequence restarts
	count = 0
	for range f.Stream(ctx, fusion.StreamOptions{MaxFrames: 2, TargetFPS: 100}) {
		count++
	}
	test.That(t, count, test.ShouldEqual, 2)
	test.That(t, f.Stats().FramesEmitted, test.ShouldEqual, 6)
}

func TestStreamCallerBreaks(t *testing.T) {
	ctx := context.Background()
	bindings, _ := cameras(0)
	f := newFuser(t, fusion.Config{Cameras: bindings, TargetFPS: 200})
	test.That(t, f.Connect(ctx), test.ShouldBeNil)
	defer f.Disconnect(ctx)

	count := 0
	for range f.Stream(ctx, fusion.StreamOptions{}) {
		count++
		if count == 3 {
			break
		}
	}
	test.That(t, count, test.ShouldEqual, 3)
}

func TestDisconnectFromOtherGoroutine(t *testing.T) {
	ctx := context.Background()
	bindings, _ := cameras(0)
	f := newFuser(t, fusion.Config{
		Cameras: bindings,
		Lidar:   fake.NewLidar(nil, fake.Script{Period: 10 * time.Millisecond}),
	})
	test.That(t, f.Connect(ctx), test.ShouldBeNil)

	var wg sync.WaitGroup
	wg.Add(1)
	count := 0
	go func() {
		defer wg.Done()
		for _, err := range f.Stream(ctx, fusion.StreamOptions{TargetFPS: 100}) {
			if err != nil {
				return
			}
			count++
		}
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, f.Stats().FramesEmitted, test.ShouldBeGreaterThan, 2)
	})
	test.That(t, f.Disconnect(ctx), test.ShouldBeNil)
	wg.Wait()
	test.That(t, count, test.ShouldBeGreaterThan, 2)
	test.That(t, f.IsConnected(), test.ShouldBeFalse)
	test.That(t, f.Stats().Sources["lidar"].Running, test.ShouldBeFalse)

	// disconnecting twice is fine
	test.That(t, f.Disconnect(ctx), test.ShouldBeNil)
}

func TestSessionAlwaysDisconnects(t *testing.T) {
	ctx := context.Background()
	bindings, cams := cameras(0)
	f := newFuser(t, fusion.Config{Cameras: bindings})

	boom := errors.New("boom")
	err := f.Session(ctx, func(ctx context.Context, f *fusion.Fuser) error {
		test.That(t, f.IsConnected(), test.ShouldBeTrue)
		_, err := f.Read(ctx)
		test.That(t, err, test.ShouldBeNil)
		return boom
	})
	test.That(t, errors.Is(err, boom), test.ShouldBeTrue)
	test.That(t, f.IsConnected(), test.ShouldBeFalse)
	test.That(t, cams[0].IsConnected(), test.ShouldBeFalse)
}

func TestReconnectRestartsTimeline(t *testing.T) {
	ctx := context.Background()
	bindings, _ := cameras(0)
	f := newFuser(t, fusion.Config{Cameras: bindings})

	test.That(t, f.Connect(ctx), test.ShouldBeNil)
	time.Sleep(50 * time.Millisecond)
	sf, err := f.Read(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sf.Timestamp, test.ShouldBeGreaterThanOrEqualTo, 0.05)
	test.That(t, f.Disconnect(ctx), test.ShouldBeNil)

	test.That(t, f.Connect(ctx), test.ShouldBeNil)
	defer f.Disconnect(ctx)
	sf, err = f.Read(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sf.Timestamp, test.ShouldBeLessThan, 0.05)
}

func TestReadRightAfterConnect(t *testing.T) {
	ctx := context.Background()
	bindings, _ := cameras(0)
	f := newFuser(t, fusion.Config{Cameras: bindings})

	for i := 0; i < 2; i++ {
		test.That(t, f.Connect(ctx), test.ShouldBeNil)
		sf, err := f.Read(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sf.CameraIDs(), test.ShouldResemble, []int{0})
		test.That(t, f.Stats().Timing["fusion"].Count, test.ShouldEqual, 1)
		test.That(t, f.Disconnect(ctx), test.ShouldBeNil)
	}
	test.That(t, f.Stats().FramesEmitted, test.ShouldEqual, 2)
}

func TestAlignerReceivesFrames(t *testing.T) {
	ctx := context.Background()
	bindings, _ := cameras(0, 1)
	aligner := timesync.NewFrameAligner("camera_0", timesync.DefaultSyncConfig(), nil)
	f := newFuser(t, fusion.Config{Cameras: bindings, Aligner: aligner})
	test.That(t, f.Connect(ctx), test.ShouldBeNil)
	defer f.Disconnect(ctx)

	var aligned *timesync.AlignedFrame
	for _, a := range f.AlignedStream(ctx, fusion.StreamOptions{MaxFrames: 3, TargetFPS: 100}) {
		aligned = a
	}
	test.That(t, aligned, test.ShouldNotBeNil)
	test.That(t, aligned.IsComplete("camera_0", "camera_1"), test.ShouldBeTrue)
	test.That(t, aligned.MaxAlignmentError(), test.ShouldBeLessThanOrEqualTo, aligner.Tolerance())
	test.That(t, f.Stats().Alignment, test.ShouldNotBeNil)
}

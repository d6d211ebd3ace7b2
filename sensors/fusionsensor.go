package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"github.com/brokenrobotz/viam-sensorbox/fusion"
	"github.com/brokenrobotz/viam-sensorbox/live"
	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
	"github.com/brokenrobotz/viam-sensorbox/recorder"
	"github.com/brokenrobotz/viam-sensorbox/ros"
	"github.com/brokenrobotz/viam-sensorbox/timesync"
)

var FusionModel = resource.NewModel("brokenrobotz", "sensorbox", "synced-fusion")

const (
	// a diagnostics message goes out every this many frames
	statsEvery  = 30
	rateWindow  = 30
	stopTimeout = 5 * time.Second

	maxPCDDepthMM = 10000
)

// ErrNoFrame is returned by commands that need data that has not arrived yet.
var ErrNoFrame = errors.New("no fused frame yet")

func init() {
	resource.RegisterComponent(
		sensor.API,
		FusionModel,
		resource.Registration[sensor.Sensor, *FusionSensorConfig]{
			Constructor: NewFusionSensor,
		},
	)
}

// outputs are the collaborators fed by the stream loop.
type outputs struct {
	rec    *recorder.Writer
	live   *live.Server
	status *ros.StatusPublisher
}

// FusionSensor runs a Fuser in the background and reports the newest fused
// frame as its readings.
type FusionSensor struct {
	resource.Named

	mu     sync.Mutex
	cfg    *FusionSensorConfig
	runID  string
	fuser  *fusion.Fuser
	out    outputs
	logger logging.Logger

	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup

	latestMu    sync.RWMutex
	latest      *live.Summary
	latestLidar *frame.SensorFrame
	latestDepth *frame.DepthFrame
	loopErrors  uint64
}

func NewFusionSensor(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	s := &FusionSensor{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
	}

	if err := s.Reconfigure(ctx, deps, conf); err != nil {
		return nil, err
	}

	return s, nil
}

// Reconfigure tears down the running pipeline and builds a new one.
func (s *FusionSensor) Reconfigure(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
) error {
	newConf, err := resource.NativeConfig[*FusionSensorConfig](conf)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stopLocked(ctx); err != nil {
		s.logger.Warnw("stopping previous pipeline", "error", err)
	}

	fc, err := buildSources(ctx, deps, newConf, s.logger)
	if err != nil {
		return err
	}
	fc.TargetFPS = newConf.TargetFPS
	fc.MaxStaleness = time.Duration(newConf.MaxStalenessSec * float64(time.Second))
	fc.Logger = s.logger.Sublogger("fusion")
	if newConf.Sync != nil {
		fc.Sync = *newConf.Sync
	}
	fc.Aligner = timesync.NewFrameAligner(primarySensor(fc), fc.Sync, nil)

	fuser, err := fusion.New(fc)
	if err != nil {
		return err
	}
	if err := fuser.Connect(ctx); err != nil {
		return errors.Wrap(err, "connecting sensors")
	}

	s.cfg = newConf
	s.runID = uuid.New().String()
	s.fuser = fuser
	s.latestMu.Lock()
	s.latest, s.latestLidar, s.latestDepth, s.loopErrors = nil, nil, nil, 0
	s.latestMu.Unlock()

	if err := s.startOutputsLocked(fc); err != nil {
		return multierr.Combine(err, s.stopLocked(ctx))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.activeBackgroundWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		s.run(loopCtx, fuser, s.out, newConf.TargetFPS)
	})
	s.logger.Infow("sensor fusion running",
		"run_id", s.runID,
		"cameras", fuser.CameraIDs(),
		"lidar", fuser.HasLidar(),
		"depth", fuser.HasDepth())
	return nil
}

func (s *FusionSensor) startOutputsLocked(fc fusion.Config) error {
	cfg := s.cfg
	if cfg.RecordDir != "" {
		ids := make([]int, len(fc.Cameras))
		for i, b := range fc.Cameras {
			ids[i] = b.ID
		}
		rec, err := recorder.Create(cfg.RecordDir, recorder.SessionHeader{
			ID:      s.runID,
			Config:  recorder.ConfigFor(len(ids) > 0, fc.Lidar != nil, fc.Depth != nil),
			Cameras: ids,
			Lidar:   fc.Lidar != nil,
			Depth:   fc.Depth != nil,
			Metadata: map[string]string{
				"component": s.Name().ShortName(),
			},
		})
		if err != nil {
			return err
		}
		s.out.rec = rec
		s.logger.Infow("recording session", "path", rec.Path())
	}
	if cfg.LivePort > 0 {
		srv := live.NewServer(statusFunc(s.fuser, s.runID), s.logger.Sublogger("live"))
		if err := srv.Start(fmt.Sprintf(":%d", cfg.LivePort)); err != nil {
			return err
		}
		s.out.live = srv
	}
	if cfg.RosStatusTopic != "" || cfg.RosDiagnosticsTopic != "" {
		pub, err := ros.NewStatusPublisher(ros.StatusConf{
			PrimaryUri:       cfg.PrimaryUri,
			SummaryTopic:     cfg.RosStatusTopic,
			DiagnosticsTopic: cfg.RosDiagnosticsTopic,
			HardwareID:       s.Name().ShortName(),
		}, s.logger.Sublogger("ros_status"))
		if err != nil {
			return err
		}
		s.out.status = pub
	}
	return nil
}

// stopLocked stops the loop, disconnects the sensors and closes outputs.
// Safe to call when nothing is running.
func (s *FusionSensor) stopLocked(ctx context.Context) error {
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}
	s.activeBackgroundWorkers.Wait()

	var err error
	if s.fuser != nil {
		err = multierr.Combine(err, s.fuser.Disconnect(ctx))
		s.fuser = nil
	}
	if s.out.rec != nil {
		err = multierr.Combine(err, s.out.rec.Close())
	}
	if s.out.live != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		err = multierr.Combine(err, s.out.live.Close(shutdownCtx))
		cancel()
	}
	if s.out.status != nil {
		s.out.status.Close()
	}
	s.out = outputs{}
	return err
}

func (s *FusionSensor) run(ctx context.Context, fuser *fusion.Fuser, out outputs, fps float64) {
	rate := live.NewRateMeter(rateWindow)
	var seq uint64
	for sf, err := range fuser.Stream(ctx, fusion.StreamOptions{TargetFPS: fps}) {
		if err != nil {
			s.latestMu.Lock()
			s.loopErrors++
			s.latestMu.Unlock()
			s.logger.Debugw("fusion read failed", "error", err)
			continue
		}
		seq++
		sum := live.Summarize(sf, seq, rate.Tick(sf.Timestamp))
		s.latestMu.Lock()
		s.latest = &sum
		if sf.Lidar != nil {
			s.latestLidar = sf.Lidar
		}
		if sf.Depth != nil {
			s.latestDepth = sf.Depth
		}
		s.latestMu.Unlock()

		if out.rec != nil {
			if err := out.rec.Write(sf); err != nil {
				s.logger.Errorw("recording stopped", "error", err)
				out.rec = nil
			}
		}
		if out.live != nil {
			out.live.Publish(sum)
		}
		if out.status != nil {
			out.status.PublishSummary(sum)
			if seq%statsEvery == 0 {
				out.status.PublishStats(fuser.Stats())
			}
		}
	}
	s.logger.Debug("fusion stream ended")
}

// statusFunc feeds the live server's /status endpoint. It must not take s.mu:
// the server is shut down while s.mu is held.
func statusFunc(fuser *fusion.Fuser, runID string) func() map[string]any {
	return func() map[string]any {
		st := fuser.Stats()
		return map[string]any{
			"run_id":         runID,
			"state":          st.State,
			"frames_emitted": st.FramesEmitted,
			"sources":        st.Sources,
		}
	}
}

func (s *FusionSensor) Readings(
	_ context.Context,
	_ map[string]interface{},
) (map[string]interface{}, error) {
	s.mu.Lock()
	fuser, runID, out := s.fuser, s.runID, s.out
	s.mu.Unlock()
	if fuser == nil {
		return nil, fusion.ErrNotConnected
	}

	s.latestMu.RLock()
	latest := s.latest
	lidar, depth := s.latestLidar, s.latestDepth
	loopErrors := s.loopErrors
	s.latestMu.RUnlock()

	readings := map[string]interface{}{
		"run_id":         runID,
		"state":          fuser.State().String(),
		"frames_emitted": fuser.Stats().FramesEmitted,
		"read_errors":    loopErrors,
		"has_frame":      latest != nil,
	}
	if latest != nil {
		m, err := toMap(latest)
		if err != nil {
			return nil, err
		}
		readings["frame"] = m
	}
	// fused frames carry lidar and depth only when new data arrived, so the
	// newest of each is reported on its own
	if lidar != nil && lidar.Data != nil {
		readings["lidar_points"] = lidar.Data.Len()
		readings["lidar_timestamp"] = lidar.Timestamp
	}
	if depth != nil {
		readings["depth_valid_percent"] = depth.Depth.ValidPercent()
		readings["depth_timestamp"] = depth.Timestamp
	}
	if out.rec != nil {
		readings["recording"] = out.rec.Path()
	}
	if out.live != nil {
		readings["live_clients"] = out.live.Clients()
	}
	return readings, nil
}

func (s *FusionSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, _ := cmd["command"].(string)
	s.mu.Lock()
	fuser := s.fuser
	cfg := s.cfg
	s.mu.Unlock()

	switch name {
	case "stats":
		if fuser == nil {
			return nil, fusion.ErrNotConnected
		}
		return toMap(fuser.Stats())
	case "align":
		if fuser == nil {
			return nil, fusion.ErrNotConnected
		}
		aligned, ok := fuser.Aligner().AlignToPrimary()
		if !ok {
			return nil, ErrNoFrame
		}
		return alignedResult(aligned), nil
	case "pcd":
		path, _ := cmd["path"].(string)
		return s.exportPCD(cfg, path)
	case "discover":
		found, err := discoverRplidar(ctx, s.logger)
		if err != nil {
			return nil, err
		}
		return toMap(map[string]interface{}{"rplidars": found})
	default:
		return nil, errors.Errorf("unknown command %q", name)
	}
}

func alignedResult(a *timesync.AlignedFrame) map[string]interface{} {
	ids := a.SensorIDs()
	sensors := make([]interface{}, len(ids))
	errs := make(map[string]interface{}, len(ids))
	for i, id := range ids {
		sensors[i] = id
		errs[id] = a.Errors[id]
	}
	return map[string]interface{}{
		"timestamp": a.Timestamp,
		"sensors":   sensors,
		"errors":    errs,
		"max_error": a.MaxAlignmentError(),
	}
}

// exportPCD writes the newest lidar scan, or the newest depth map when there
// is no lidar, as a binary PCD file.
func (s *FusionSensor) exportPCD(cfg *FusionSensorConfig, path string) (map[string]interface{}, error) {
	s.latestMu.RLock()
	lidar, depth := s.latestLidar, s.latestDepth
	s.latestMu.RUnlock()

	var points []r3.Vector
	source := ""
	switch {
	case lidar != nil:
		source = "lidar"
		switch p := lidar.Data.(type) {
		case *frame.ScanPayload:
			points = frame.ScanToPoints(p)
		case *frame.PointsPayload:
			points = p.Points
		}
	case depth != nil && depth.Depth != nil:
		source = "depth"
		points = frame.DepthToPoints(depth.Depth, frame.CameraIntrinsics{}, maxPCDDepthMM, 1)
	default:
		return nil, ErrNoFrame
	}

	if path == "" {
		dir := os.TempDir()
		if cfg != nil && cfg.RecordDir != "" {
			dir = cfg.RecordDir
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%s.pcd", source, time.Now().Format("2006_01_02_150405")))
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := frame.WritePCD(f, points); err != nil {
		return nil, multierr.Combine(err, f.Close())
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": path, "source": source, "points": len(points)}, nil
}

func (s *FusionSensor) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

// toMap converts v to the plain JSON shapes Readings and DoCommand must return.
func toMap(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

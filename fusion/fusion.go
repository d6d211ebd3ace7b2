// Package fusion combines synchronous cameras and background-polled sensors
// into one stream of SyncedFrames at a caller-controlled rate.
package fusion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
	"github.com/brokenrobotz/viam-sensorbox/timesync"
)

// State is the connection state of a Fuser.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Stats is a snapshot of a Fuser's counters.
type Stats struct {
	State         string                          `json:"state"`
	FramesEmitted uint64                          `json:"frames_emitted"`
	CameraMisses  map[int]uint64                  `json:"camera_misses"`
	Sources       map[string]SourceStats          `json:"sources"`
	Timing        map[string]timesync.SensorStats `json:"timing"`
	Alignment     *timesync.AlignerStats          `json:"alignment,omitempty"`
}

// Fuser owns a set of camera drivers and up to two asynchronous sensors, and
// emits combined frames on demand. Connect and Disconnect must not race with
// each other; Disconnect may be called while another goroutine is in Stream.
type Fuser struct {
	cfg    Config
	logger logging.Logger
	clock  *timesync.Manager

	mu    sync.RWMutex
	state atomic.Int32
	lidar *asyncSource[*frame.SensorFrame]
	depth *asyncSource[*frame.DepthFrame]

	cancelMu                sync.Mutex
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup

	emitted      atomic.Uint64
	cameraMisses map[int]*atomic.Uint64
}

// New returns a disconnected Fuser.
func New(cfg Config) (*Fuser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	f := &Fuser{
		cfg:          cfg,
		logger:       cfg.Logger,
		clock:        timesync.NewManager(cfg.Sync, cfg.Clock),
		cameraMisses: map[int]*atomic.Uint64{},
	}
	for _, b := range cfg.Cameras {
		f.cameraMisses[b.ID] = &atomic.Uint64{}
	}
	if cfg.Lidar != nil {
		f.lidar = &asyncSource[*frame.SensorFrame]{
			name:       "lidar",
			src:        cfg.Lidar,
			valid:      func(sf *frame.SensorFrame) bool { return sf != nil },
			clone:      (*frame.SensorFrame).Clone,
			retryDelay: cfg.LidarRetryDelay,
			idleDelay:  cfg.WorkerIdleDelay,
		}
	}
	if cfg.Depth != nil {
		f.depth = &asyncSource[*frame.DepthFrame]{
			name:       "depth",
			src:        cfg.Depth,
			valid:      func(df *frame.DepthFrame) bool { return df != nil && df.RGB != nil },
			clone:      (*frame.DepthFrame).Clone,
			retryDelay: cfg.DepthRetryDelay,
			idleDelay:  cfg.WorkerIdleDelay,
		}
	}
	return f, nil
}

// State returns the current connection state.
func (f *Fuser) State() State {
	return State(f.state.Load())
}

// IsConnected reports whether Read may be called.
func (f *Fuser) IsConnected() bool {
	return f.State() == StateConnected
}

// CameraIDs returns the configured camera ids in read order.
func (f *Fuser) CameraIDs() []int {
	return f.cfg.CameraIDs()
}

// HasLidar reports whether a laser scanner is configured.
func (f *Fuser) HasLidar() bool { return f.lidar != nil }

// HasDepth reports whether a depth camera is configured.
func (f *Fuser) HasDepth() bool { return f.depth != nil }

// Aligner returns the configured aligner, or nil.
func (f *Fuser) Aligner() *timesync.FrameAligner { return f.cfg.Aligner }

// Connect connects every camera in order, then the asynchronous sources, and
// starts one worker per asynchronous source. If anything fails, every driver
// connected so far is disconnected again and the Fuser stays disconnected.
// Connect on a connected Fuser is a no-op.
func (f *Fuser) Connect(ctx context.Context) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IsConnected() {
		return nil
	}
	f.state.Store(int32(StateConnecting))

	var undo []func(context.Context) error
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			if derr := undo[i](ctx); derr != nil {
				f.logger.Warnw("rollback disconnect failed", "error", derr)
			}
		}
		f.state.Store(int32(StateDisconnected))
	}()

	for _, b := range f.cfg.Cameras {
		if err := b.Camera.Connect(ctx); err != nil {
			return errors.Wrapf(err, "connecting camera %d", b.ID)
		}
		undo = append(undo, b.Camera.Disconnect)
	}
	if f.lidar != nil {
		if err := f.lidar.src.Connect(ctx); err != nil {
			return errors.Wrap(err, "connecting lidar")
		}
		undo = append(undo, f.lidar.src.Disconnect)
	}
	if f.depth != nil {
		if err := f.depth.src.Connect(ctx); err != nil {
			return errors.Wrap(err, "connecting depth camera")
		}
		undo = append(undo, f.depth.src.Disconnect)
	}

	// a fresh timeline per connection
	f.clock.Stop()
	f.clock.Start()
	if f.cfg.Aligner != nil {
		f.cfg.Aligner.Clear()
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	f.cancelMu.Lock()
	f.cancelFunc = cancelFunc
	f.cancelMu.Unlock()
	if f.lidar != nil {
		startWorker(f, cancelCtx, f.lidar)
	}
	if f.depth != nil {
		startWorker(f, cancelCtx, f.depth)
	}

	f.state.Store(int32(StateConnected))
	f.logger.Infow("sensor fusion connected",
		"cameras", f.cfg.CameraIDs(), "lidar", f.lidar != nil, "depth", f.depth != nil)
	return nil
}

func startWorker[T any](f *Fuser, ctx context.Context, src *asyncSource[T]) {
	src.box.Clear()
	f.activeBackgroundWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer f.activeBackgroundWorkers.Done()
		src.run(ctx, f.cfg.Clock, f.logger)
	})
}

// Disconnect stops the workers, waiting at most JoinTimeout for them, then
// disconnects every driver and clears the mailboxes. Driver errors are
// combined and returned; the Fuser is disconnected either way.
func (f *Fuser) Disconnect(ctx context.Context) error {
	// workers stop before the lock is taken so an in-flight Read cannot hold them up
	f.cancelMu.Lock()
	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}
	f.cancelMu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.State() == StateDisconnected {
		return nil
	}
	f.state.Store(int32(StateDisconnected))

	done := make(chan struct{})
	go func() {
		f.activeBackgroundWorkers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(f.cfg.JoinTimeout):
		f.logger.Warnw("sensor workers did not stop in time", "timeout", f.cfg.JoinTimeout)
	}

	var err error
	for _, b := range f.cfg.Cameras {
		err = multierr.Combine(err, errors.Wrapf(b.Camera.Disconnect(ctx), "disconnecting camera %d", b.ID))
	}
	if f.lidar != nil {
		err = multierr.Combine(err, errors.Wrap(f.lidar.src.Disconnect(ctx), "disconnecting lidar"))
		f.lidar.box.Clear()
	}
	if f.depth != nil {
		err = multierr.Combine(err, errors.Wrap(f.depth.src.Disconnect(ctx), "disconnecting depth camera"))
		f.depth.box.Clear()
	}
	f.clock.Stop()
	f.logger.Infow("sensor fusion disconnected", "frames_emitted", f.emitted.Load())
	return err
}

// Read produces one SyncedFrame: every camera is read in configured order on
// the calling goroutine, and each asynchronous mailbox is drained without
// waiting. Sources with nothing to offer are left out.
func (f *Fuser) Read(ctx context.Context) (*SyncedFrame, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.IsConnected() {
		return nil, ErrNotConnected
	}
	ts, wall, err := f.clock.Timestamp("fusion", false)
	if err != nil {
		return nil, err
	}

	out := &SyncedFrame{
		Timestamp: ts,
		WallTime:  wall,
		Cameras:   make(map[int]*frame.SensorFrame, len(f.cfg.Cameras)),
	}
	for _, b := range f.cfg.Cameras {
		cf, err := b.Camera.Read(ctx)
		if err != nil || cf == nil {
			f.cameraMisses[b.ID].Add(1)
			if err != nil {
				f.logger.Debugw("camera read failed", "camera", b.ID, "error", err)
			}
			continue
		}
		out.Cameras[b.ID] = cf
	}

	now := f.cfg.Clock.Now()
	if f.lidar != nil {
		if v, ok := f.lidar.latest(now, f.cfg.MaxStaleness); ok {
			out.Lidar = v
		}
	}
	if f.depth != nil {
		if v, ok := f.depth.latest(now, f.cfg.MaxStaleness); ok {
			out.Depth = v
		}
	}

	if a := f.cfg.Aligner; a != nil {
		for _, id := range out.CameraIDs() {
			a.AddFrame(out.Cameras[id])
		}
		a.AddFrame(out.Lidar)
	}
	f.emitted.Add(1)
	return out, nil
}

// Session connects, runs fn and always disconnects, whatever fn returns.
func (f *Fuser) Session(ctx context.Context, fn func(context.Context, *Fuser) error) (err error) {
	if err := f.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Disconnect(ctx))
	}()
	return fn(ctx, f)
}

// Stats returns a snapshot of the Fuser's counters.
func (f *Fuser) Stats() Stats {
	st := Stats{
		State:         f.State().String(),
		FramesEmitted: f.emitted.Load(),
		CameraMisses:  make(map[int]uint64, len(f.cameraMisses)),
		Sources:       map[string]SourceStats{},
		Timing:        f.clock.Stats(),
	}
	for id, c := range f.cameraMisses {
		st.CameraMisses[id] = c.Load()
	}
	if f.lidar != nil {
		st.Sources[f.lidar.name] = f.lidar.stats()
	}
	if f.depth != nil {
		st.Sources[f.depth.name] = f.depth.stats()
	}
	if f.cfg.Aligner != nil {
		as := f.cfg.Aligner.Stats()
		st.Alignment = &as
	}
	return st
}

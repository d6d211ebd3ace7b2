package fusion

import (
	"context"

	"github.com/pkg/errors"

	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
)

var (
	// ErrNotConnected is returned by Read and Stream before Connect.
	ErrNotConnected = errors.New("sensor fusion is not connected")
	// ErrSourceClosed tells a background worker that its source is gone for
	// good and the worker should exit instead of retrying.
	ErrSourceClosed = errors.New("sensor source closed")
)

// Source is a sensor driver. Read returns the zero value with a nil error
// when no reading is ready.
type Source[T any] interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Read(ctx context.Context) (T, error)
}

// Camera is a synchronous image source, read on the caller's goroutine.
type Camera = Source[*frame.SensorFrame]

// LaserScanner is an asynchronous scan source with its own worker.
type LaserScanner = Source[*frame.SensorFrame]

// DepthCamera is an asynchronous RGB + depth + IMU source with its own worker.
type DepthCamera = Source[*frame.DepthFrame]

// CameraBinding attaches a camera driver to its integer id.
type CameraBinding struct {
	ID     int
	Camera Camera
}

// readOutcome is the result of one worker read step.
type readOutcome int

const (
	readOK readOutcome = iota
	readEmpty
	readTransient
	readFatal
)

func classify(ctx context.Context, ok bool, err error) readOutcome {
	switch {
	case err == nil && ok:
		return readOK
	case err == nil:
		return readEmpty
	case errors.Is(err, ErrSourceClosed), ctx.Err() != nil:
		return readFatal
	default:
		return readTransient
	}
}

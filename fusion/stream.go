package fusion

import (
	"context"
	"iter"
	"time"

	"github.com/pkg/errors"

	"github.com/brokenrobotz/viam-sensorbox/timesync"
)

// StreamOptions bounds a Stream. Zero values mean no limit, and a zero
// TargetFPS falls back to the Fuser's configured rate.
type StreamOptions struct {
	Duration  time.Duration
	MaxFrames int
	TargetFPS float64
}

func (f *Fuser) frameInterval(fps float64) time.Duration {
	if fps <= 0 {
		fps = f.cfg.TargetFPS
	}
	if fps <= 0 {
		return time.Duration(defaultFrameIntervalSec * float64(time.Second))
	}
	return time.Duration(float64(time.Second) / fps)
}

// Stream returns a lazy sequence of SyncedFrames spaced at least 1/TargetFPS
// apart. Pacing sleeps in PollSleep steps and re-checks the limits after
// each, so the sequence ends promptly when Duration runs out. It also ends when
// ctx is done or the Fuser is disconnected underneath it. Iterating before
// Connect yields a single ErrNotConnected. The sequence may be ranged over
// again to start a new run. Read errors are paced like frames.
func (f *Fuser) Stream(ctx context.Context, opts StreamOptions) iter.Seq2[*SyncedFrame, error] {
	return func(yield func(*SyncedFrame, error) bool) {
		if !f.IsConnected() {
			yield(nil, ErrNotConnected)
			return
		}
		clk := f.cfg.Clock
		interval := f.frameInterval(opts.TargetFPS)
		start := clk.Now()
		var last time.Time
		emitted := 0

		for {
			if ctx.Err() != nil {
				return
			}
			if opts.Duration > 0 && clk.Since(start) >= opts.Duration {
				return
			}
			if opts.MaxFrames > 0 && emitted >= opts.MaxFrames {
				return
			}
			if !last.IsZero() && clk.Since(last) < interval {
				clk.Sleep(f.cfg.PollSleep)
				continue
			}

			last = clk.Now()
			sf, err := f.Read(ctx)
			if errors.Is(err, ErrNotConnected) {
				return
			}
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			emitted++
			if !yield(sf, nil) {
				return
			}
		}
	}
}

// AlignedStream wraps Stream and pairs every SyncedFrame with the frames the
// aligner matched to its primary sensor. The aligned frame is nil when the
// primary has not produced anything yet, and always nil without a configured
// aligner. Errors from Stream end the sequence.
func (f *Fuser) AlignedStream(ctx context.Context, opts StreamOptions) iter.Seq2[*SyncedFrame, *timesync.AlignedFrame] {
	return func(yield func(*SyncedFrame, *timesync.AlignedFrame) bool) {
		a := f.cfg.Aligner
		for sf, err := range f.Stream(ctx, opts) {
			if err != nil {
				f.logger.Debugw("aligned stream stopped", "error", err)
				return
			}
			var aligned *timesync.AlignedFrame
			if a != nil {
				aligned, _ = a.AlignToPrimary()
			}
			if !yield(sf, aligned) {
				return
			}
		}
	}
}

package fusion

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// only every Nth consecutive transient error is logged
const transientLogEvery = 50

// SourceStats counts what happened to one asynchronous source.
type SourceStats struct {
	Reads           uint64 `json:"reads"`
	Deposits        uint64 `json:"deposits"`
	Overwritten     uint64 `json:"overwritten"`
	TransientErrors uint64 `json:"transient_errors"`
	Stale           uint64 `json:"stale"`
	Running         bool   `json:"running"`
}

type sourceCounters struct {
	reads     atomic.Uint64
	transient atomic.Uint64
	stale     atomic.Uint64
	running   atomic.Bool
}

// asyncSource is one background-polled source and its mailbox.
type asyncSource[T any] struct {
	name       string
	src        Source[T]
	box        Mailbox[T]
	valid      func(T) bool
	clone      func(T) T
	retryDelay time.Duration
	idleDelay  time.Duration
	counters   sourceCounters
}

func (a *asyncSource[T]) stats() SourceStats {
	puts, drops, _ := a.box.Counts()
	return SourceStats{
		Reads:           a.counters.reads.Load(),
		Deposits:        puts,
		Overwritten:     drops,
		TransientErrors: a.counters.transient.Load(),
		Stale:           a.counters.stale.Load(),
		Running:         a.counters.running.Load(),
	}
}

// run polls the source until ctx is done or the source reports it is closed.
// Transient read errors are counted, logged sparingly and retried after
// retryDelay; they never leave this goroutine.
func (a *asyncSource[T]) run(ctx context.Context, clk clock.Clock, logger logging.Logger) {
	a.counters.running.Store(true)
	defer a.counters.running.Store(false)

	consecutive := 0
	for {
		if ctx.Err() != nil {
			return
		}
		v, err := a.src.Read(ctx)
		a.counters.reads.Add(1)
		ok := err == nil && a.valid(v)

		switch classify(ctx, ok, err) {
		case readOK:
			consecutive = 0
			a.box.Put(a.clone(v), clk.Now())
		case readEmpty:
			if !utils.SelectContextOrWait(ctx, a.idleDelay) {
				return
			}
		case readTransient:
			a.counters.transient.Add(1)
			if consecutive%transientLogEvery == 0 {
				logger.Debugw("transient read failure", "source", a.name, "error", err, "consecutive", consecutive+1)
			}
			consecutive++
			if !utils.SelectContextOrWait(ctx, a.retryDelay) {
				return
			}
		case readFatal:
			if ctx.Err() == nil {
				logger.Warnw("source closed, stopping worker", "source", a.name, "error", err)
			}
			return
		}
	}
}

// latest drains the mailbox. With maxStaleness > 0 a value that waited
// longer than that is discarded.
func (a *asyncSource[T]) latest(now time.Time, maxStaleness time.Duration) (T, bool) {
	v, at, ok := a.box.Take()
	if !ok {
		return v, false
	}
	if maxStaleness > 0 && now.Sub(at) > maxStaleness {
		a.counters.stale.Add(1)
		var zero T
		return zero, false
	}
	return v, true
}

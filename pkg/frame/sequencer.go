package frame

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Sequencer hands out per-sensor timestamps and sequence numbers. The first
// call after Reset anchors the sensor's relative time base at zero.
type Sequencer struct {
	mu       sync.Mutex
	clk      clock.Clock
	anchored bool
	anchor   time.Time
	next     uint64
}

// NewSequencer returns a Sequencer reading from clk, or the real clock if nil.
func NewSequencer(clk clock.Clock) *Sequencer {
	if clk == nil {
		clk = clock.New()
	}
	return &Sequencer{clk: clk}
}

// Stamp returns the relative timestamp, wall time and sequence number for a
// reading taken now.
func (s *Sequencer) Stamp() (float64, time.Time, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	if !s.anchored {
		s.anchor = now
		s.anchored = true
	}
	seq := s.next
	s.next++
	return now.Sub(s.anchor).Seconds(), now, seq
}

// Reset drops the anchor and restarts numbering at 0. Drivers call it on connect.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	s.anchored = false
	s.next = 0
	s.mu.Unlock()
}

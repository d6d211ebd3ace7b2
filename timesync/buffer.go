package timesync

import (
	"math"
	"sync"

	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
)

// FrameBuffer is a bounded, age-pruned history of one sensor's frames.
type FrameBuffer struct {
	mu      sync.Mutex
	maxSize int
	maxAge  float64
	// ring storage; head is the oldest entry
	frames []*frame.SensorFrame
	head   int
	size   int
}

// NewFrameBuffer returns a buffer holding at most maxSize frames no older than
// maxAge seconds relative to the newest. Non-positive values take the defaults.
func NewFrameBuffer(maxSize int, maxAge float64) *FrameBuffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &FrameBuffer{
		maxSize: maxSize,
		maxAge:  maxAge,
		frames:  make([]*frame.SensorFrame, maxSize),
	}
}

func (b *FrameBuffer) at(i int) *frame.SensorFrame {
	return b.frames[(b.head+i)%b.maxSize]
}

func (b *FrameBuffer) popOldest() {
	b.frames[b.head] = nil
	b.head = (b.head + 1) % b.maxSize
	b.size--
}

// Add appends f, evicting the oldest frame when full, then drops frames
// older than newest.Timestamp - maxAge.
func (b *FrameBuffer) Add(f *frame.SensorFrame) {
	if f == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == b.maxSize {
		b.popOldest()
	}
	b.frames[(b.head+b.size)%b.maxSize] = f
	b.size++

	cutoff := f.Timestamp - b.maxAge
	for b.size > 0 && b.at(0).Timestamp < cutoff {
		b.popOldest()
	}
}

// FindNearest returns the buffered frame closest to target and the signed
// delta target - frame.Timestamp. Ties go to the older frame.
func (b *FrameBuffer) FindNearest(target float64) (*frame.SensorFrame, float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return nil, 0, false
	}
	var best *frame.SensorFrame
	bestDelta := math.Inf(1)
	for i := 0; i < b.size; i++ {
		f := b.at(i)
		if d := math.Abs(f.Timestamp - target); d < bestDelta {
			bestDelta = d
			best = f
		}
	}
	return best, target - best.Timestamp, true
}

// Latest returns the most recently added frame.
func (b *FrameBuffer) Latest() (*frame.SensorFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return nil, false
	}
	return b.at(b.size - 1), true
}

// Frames returns the buffered frames, oldest first.
func (b *FrameBuffer) Frames() []*frame.SensorFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*frame.SensorFrame, b.size)
	for i := range out {
		out[i] = b.at(i)
	}
	return out
}

// Clear empties the buffer.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.head = 0
	b.size = 0
}

// Len is the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

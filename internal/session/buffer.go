package session

import (
	"time"

	"github.com/slithernet/serpent/internal/frame"
)

// Buffer is the per-session in-memory frame queue plus counters and running
// statistics. It is not internally locked: the owning session serializes all
// access under its own mutex.
type Buffer struct {
	validator frame.Validator
	threshold int
	now       func() time.Time

	frames []*frame.Frame

	frameCount  int64
	validFrames int64
	errors      int64

	createdAt time.Time
	lastFrame time.Time

	stats *RunningStats
}

// NewBuffer creates a buffer that flushes once threshold frames accumulate.
func NewBuffer(v frame.Validator, threshold int, stats *RunningStats) *Buffer {
	b := &Buffer{
		validator: v,
		threshold: threshold,
		now:       time.Now,
		stats:     stats,
	}
	b.createdAt = b.now()
	b.lastFrame = b.createdAt
	return b
}

// Append validates and buffers one frame. A rejected frame only increments
// the error counter; an accepted frame is buffered in arrival order, bumps
// the frame counters and last-frame time, and updates the running stats.
// The return value reports whether the buffer has reached its flush
// threshold. Append never fails: validation problems are counted, not
// propagated.
func (b *Buffer) Append(f *frame.Frame) (flushNeeded bool) {
	if err := b.validator.Validate(f); err != nil {
		b.errors++
		return false
	}

	b.frames = append(b.frames, f)
	b.frameCount++
	b.validFrames++
	b.lastFrame = b.now()
	b.stats.Observe(f, b.validFrames)

	return len(b.frames) >= b.threshold
}

// IsIdle reports whether no frame has been accepted for longer than maxGap.
// A session that never accepted a frame ages from its creation time.
func (b *Buffer) IsIdle(maxGap time.Duration) bool {
	return b.now().Sub(b.lastFrame) > maxGap
}

// Drain returns the buffered frames in insertion order and clears the
// buffer. Callers that fail to persist the drained frames must hand them
// back via restore so no accepted frame is lost.
func (b *Buffer) Drain() []*frame.Frame {
	frames := b.frames
	b.frames = nil
	return frames
}

// restore puts drained frames back after a failed flush. The session lock
// is held across drain-persist-restore, so no frames can have arrived in
// between and order is preserved.
func (b *Buffer) restore(frames []*frame.Frame) {
	b.frames = append(frames, b.frames...)
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int { return len(b.frames) }

// Newest returns the most recently buffered frame, or nil.
func (b *Buffer) Newest() *frame.Frame {
	if len(b.frames) == 0 {
		return nil
	}
	return b.frames[len(b.frames)-1]
}

// FrameCount returns the number of accepted frames over the session's life.
func (b *Buffer) FrameCount() int64 { return b.frameCount }

// ValidFrames returns the number of frames that passed validation.
func (b *Buffer) ValidFrames() int64 { return b.validFrames }

// Errors returns the number of rejected frame attempts.
func (b *Buffer) Errors() int64 { return b.errors }

// LastFrameTime returns when the last frame was accepted, or the buffer's
// creation time if none ever was.
func (b *Buffer) LastFrameTime() time.Time { return b.lastFrame }

// CreatedAt returns when the buffer was created.
func (b *Buffer) CreatedAt() time.Time { return b.createdAt }

// Stats returns the running statistics object.
func (b *Buffer) Stats() *RunningStats { return b.stats }

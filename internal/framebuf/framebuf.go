// Package framebuf implements the sink's circular frame buffer. Frames are
// written by slot index and read back by elapsed time, so a lost frame leaves
// the previous contents of its slot on display instead of stalling playback.
package framebuf

import "github.com/pkg/errors"

// ErrEmptyFrame is returned when writing a frame without any pixel bytes.
var ErrEmptyFrame = errors.New("empty frame")

// Buffer holds a fixed number of frame slots of lights*3 bytes each.
// A new Buffer is zeroed and every slot is readable.
type Buffer struct {
	data      []byte
	frameSize int
	length    int
}

// New allocates a buffer of length slots for the given number of lights.
// It panics if either is less than 1.
func New(length, lights int) *Buffer {
	if length < 1 {
		panic("framebuf: length must be positive")
	}
	if lights < 1 {
		panic("framebuf: lights must be positive")
	}

	frameSize := lights * 3
	return &Buffer{
		data:      make([]byte, length*frameSize),
		frameSize: frameSize,
		length:    length,
	}
}

// Len returns the number of slots.
func (b *Buffer) Len() int { return b.length }

// FrameSize returns the size of one slot in bytes.
func (b *Buffer) FrameSize() int { return b.frameSize }

// SlotIndex maps any index onto a slot.
func (b *Buffer) SlotIndex(i int) int {
	i %= b.length
	if i < 0 {
		i += b.length
	}
	return i
}

// Slot returns the bytes of the given slot. The slice aliases the buffer.
func (b *Buffer) Slot(i int) []byte {
	start := b.SlotIndex(i) * b.frameSize
	return b.data[start : start+b.frameSize : start+b.frameSize]
}

// Write stores pix into the slot at index i modulo the buffer length. If pix
// is shorter than a full frame, its bytes are repeated to fill the slot; if
// it is longer, the excess is ignored.
func (b *Buffer) Write(i int, pix []byte) error {
	if len(pix) == 0 {
		return ErrEmptyFrame
	}

	slot := b.Slot(i)
	for off := 0; off < len(slot); off += len(pix) {
		copy(slot[off:], pix)
	}

	return nil
}

// SlotAt returns the slot index that is due after elapsedMs milliseconds of
// playback with frames of frameDurationMs each.
func (b *Buffer) SlotAt(elapsedMs, frameDurationMs int64) int {
	if frameDurationMs <= 0 {
		panic("framebuf: frame duration must be positive")
	}
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	return int((elapsedMs / frameDurationMs) % int64(b.length))
}

// Read copies the frame that is due after elapsedMs milliseconds into dst and
// returns the number of bytes copied.
func (b *Buffer) Read(dst []byte, elapsedMs, frameDurationMs int64) int {
	return copy(dst, b.Slot(b.SlotAt(elapsedMs, frameDurationMs)))
}

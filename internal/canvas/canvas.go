// Package canvas holds the shared pixel grid as a densely packed buffer of
// sub-byte color indices.
package canvas

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidGeometry is returned when a canvas cannot be laid out as a
// whole number of bytes with the requested dimensions and bit depth.
var ErrInvalidGeometry = errors.New("canvas: invalid geometry")

// stripeSize is the number of contiguous bytes guarded by one mutex.
const stripeSize = 2048

// Canvas is a W x H grid of B-bit color indices packed most significant
// cell first. Set and Snapshot are safe for concurrent use; writes to cells
// in different stripes proceed in parallel.
type Canvas struct {
	width  int
	height int
	bits   uint

	buf     []byte
	stripes []sync.Mutex

	observe func(offset int, b byte)
}

// Option configures a Canvas.
type Option func(*Canvas)

// WithObserver registers fn to be called with the new value of every byte
// touched by Set. It runs while the byte's stripe is locked, so successive
// calls for the same offset arrive in mutation order. fn must not block.
func WithObserver(fn func(offset int, b byte)) Option {
	return func(c *Canvas) { c.observe = fn }
}

// New allocates a zero-filled canvas.
func New(width, height int, bits uint, opts ...Option) (*Canvas, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}
	switch bits {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("%w: %d bits per cell does not divide a byte", ErrInvalidGeometry, bits)
	}
	total := width * height * int(bits)
	if total%8 != 0 {
		return nil, fmt.Errorf("%w: %d cells of %d bits is not a whole number of bytes", ErrInvalidGeometry, width*height, bits)
	}

	size := total / 8
	c := &Canvas{
		width:   width,
		height:  height,
		bits:    bits,
		buf:     make([]byte, size),
		stripes: make([]sync.Mutex, (size+stripeSize-1)/stripeSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Canvas) Width() int  { return c.width }
func (c *Canvas) Height() int { return c.height }
func (c *Canvas) Bits() uint  { return c.bits }

// MaxColor is the largest color index a cell can hold.
func (c *Canvas) MaxColor() int { return 1<<c.bits - 1 }

// Size is the length of the packed buffer in bytes.
func (c *Canvas) Size() int { return len(c.buf) }

// locate returns the byte offset of cell (x, y) and how far its bits are
// shifted left inside that byte.
func (c *Canvas) locate(x, y int) (offset int, shift uint) {
	bit := (y*c.width + x) * int(c.bits)
	return bit / 8, 8 - c.bits - uint(bit%8)
}

// Set overwrites the cell at (x, y) with the low bits of color. Coordinates
// must already be in range; other cells sharing the byte are preserved.
func (c *Canvas) Set(x, y int, color uint8) {
	offset, shift := c.locate(x, y)
	mask := byte(c.MaxColor()) << shift

	mu := &c.stripes[offset/stripeSize]
	mu.Lock()
	b := c.buf[offset]&^mask | (color<<shift)&mask
	c.buf[offset] = b
	if c.observe != nil {
		c.observe(offset, b)
	}
	mu.Unlock()
}

// Get decodes the cell at (x, y).
func (c *Canvas) Get(x, y int) uint8 {
	offset, shift := c.locate(x, y)

	mu := &c.stripes[offset/stripeSize]
	mu.Lock()
	b := c.buf[offset]
	mu.Unlock()

	return b >> shift & byte(c.MaxColor())
}

// Snapshot returns a copy of the packed buffer. Each stripe is copied under
// its own lock, so no byte is ever observed half written.
func (c *Canvas) Snapshot() []byte {
	out := make([]byte, len(c.buf))
	for i := range c.stripes {
		lo := i * stripeSize
		hi := min(lo+stripeSize, len(c.buf))
		c.stripes[i].Lock()
		copy(out[lo:hi], c.buf[lo:hi])
		c.stripes[i].Unlock()
	}
	return out
}

// Restore replaces the canvas contents with buf, which must be exactly Size
// bytes long. Observers are not notified.
func (c *Canvas) Restore(buf []byte) error {
	if len(buf) != len(c.buf) {
		return fmt.Errorf("%w: restore buffer has %d bytes, want %d", ErrInvalidGeometry, len(buf), len(c.buf))
	}
	for i := range c.stripes {
		lo := i * stripeSize
		hi := min(lo+stripeSize, len(c.buf))
		c.stripes[i].Lock()
		copy(c.buf[lo:hi], buf[lo:hi])
		c.stripes[i].Unlock()
	}
	return nil
}

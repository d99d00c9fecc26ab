package canvas

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadGeometry(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		bits          uint
	}{
		{"zero width", 0, 4, 4},
		{"negative height", 4, -1, 4},
		{"three bits", 4, 4, 3},
		{"zero bits", 4, 4, 0},
		{"partial byte", 3, 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.width, tt.height, tt.bits)
			assert.ErrorIs(t, err, ErrInvalidGeometry)
		})
	}
}

func TestNewIsZeroFilled(t *testing.T) {
	c, err := New(1024, 1024, 4)
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Len(t, snap, 1024*1024*4/8)
	assert.Equal(t, make([]byte, len(snap)), snap)
	assert.Equal(t, 15, c.MaxColor())
}

func TestSetPacksHighNibbleFirst(t *testing.T) {
	c, err := New(4, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), c.Snapshot())

	c.Set(0, 0, 5)
	assert.Equal(t, byte(0x50), c.Snapshot()[0])

	c.Set(1, 0, 9)
	assert.Equal(t, []byte{0x59, 0, 0, 0, 0, 0, 0, 0}, c.Snapshot())
}

func TestSetOnlyTouchesTargetCell(t *testing.T) {
	for _, bits := range []uint{1, 2, 4, 8} {
		c, err := New(16, 8, bits)
		require.NoError(t, err)

		rng := rand.New(rand.NewSource(int64(bits)))
		want := make([]uint8, 16*8)
		for i := 0; i < 500; i++ {
			x, y := rng.Intn(16), rng.Intn(8)
			color := uint8(rng.Intn(c.MaxColor() + 1))
			c.Set(x, y, color)
			want[y*16+x] = color
		}

		got, err := Unpack(c.Snapshot(), bits, len(want))
		require.NoError(t, err)
		assert.Equal(t, want, got, "bits=%d", bits)
		for y := 0; y < 8; y++ {
			for x := 0; x < 16; x++ {
				assert.Equal(t, want[y*16+x], c.Get(x, y))
			}
		}
	}
}

func TestSetIsIdempotent(t *testing.T) {
	c, err := New(8, 8, 4)
	require.NoError(t, err)

	c.Set(3, 5, 7)
	once := c.Snapshot()
	c.Set(3, 5, 7)
	assert.Equal(t, once, c.Snapshot())
}

func TestSetTruncatesColor(t *testing.T) {
	c, err := New(2, 1, 4)
	require.NoError(t, err)

	c.Set(1, 0, 3)
	c.Set(0, 0, 0xF4)
	assert.Equal(t, []byte{0x43}, c.Snapshot())
}

func TestSnapshotIsACopy(t *testing.T) {
	c, err := New(4, 4, 4)
	require.NoError(t, err)

	snap := c.Snapshot()
	snap[0] = 0xFF
	assert.Equal(t, uint8(0), c.Get(0, 0))
}

func TestConcurrentSetsOnDistinctCells(t *testing.T) {
	c, err := New(256, 256, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for y := 0; y < 256; y++ {
		wg.Add(1)
		go func(y int) {
			defer wg.Done()
			for x := 0; x < 256; x++ {
				c.Set(x, y, uint8((x+y)%16))
			}
		}(y)
	}
	wg.Wait()

	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			require.Equal(t, uint8((x+y)%16), c.Get(x, y))
		}
	}
}

func TestConcurrentWritersSharingAByte(t *testing.T) {
	c, err := New(2, 1, 4)
	require.NoError(t, err)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			b := c.Snapshot()[0]
			hi, lo := b>>4, b&0x0F
			if hi != 0 && hi != 0xA && hi != 0x3 {
				t.Errorf("left cell has foreign color %x", hi)
				return
			}
			if lo != 0 && lo != 0x5 && lo != 0xC {
				t.Errorf("right cell has foreign color %x", lo)
				return
			}
		}
	}()

	var writers sync.WaitGroup
	for _, w := range []struct {
		x      int
		colors [2]uint8
	}{{0, [2]uint8{0xA, 0x3}}, {1, [2]uint8{0x5, 0xC}}} {
		writers.Add(1)
		go func(x int, colors [2]uint8) {
			defer writers.Done()
			for i := 0; i < 10000; i++ {
				c.Set(x, 0, colors[i%2])
			}
		}(w.x, w.colors)
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	assert.Equal(t, byte(0x3C), c.Snapshot()[0])
}

func TestRestore(t *testing.T) {
	c, err := New(4, 4, 4)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Restore([]byte{1, 2}), ErrInvalidGeometry)

	buf := []byte{0x12, 0x34, 0, 0, 0, 0, 0, 0xFF}
	require.NoError(t, c.Restore(buf))
	assert.Equal(t, buf, c.Snapshot())
	assert.Equal(t, uint8(2), c.Get(1, 0))
	assert.Equal(t, uint8(0xF), c.Get(3, 3))
}

func TestObserverSeesMutatedByte(t *testing.T) {
	type seen struct {
		offset int
		b      byte
	}
	var got []seen
	c, err := New(4, 4, 4, WithObserver(func(offset int, b byte) {
		got = append(got, seen{offset, b})
	}))
	require.NoError(t, err)

	c.Set(0, 0, 5)
	c.Set(1, 0, 9)
	c.Set(3, 3, 1)

	assert.Equal(t, []seen{{0, 0x50}, {0, 0x59}, {7, 0x01}}, got)
}

package canvas

import "fmt"

// Pack encodes one color index per cell into the packed layout used by
// Canvas: 8/bits cells per byte, first cell in the most significant bits.
// Colors are truncated to their low bits.
func Pack(colors []uint8, bits uint) ([]byte, error) {
	if bits == 0 || 8%bits != 0 {
		return nil, fmt.Errorf("%w: %d bits per cell", ErrInvalidGeometry, bits)
	}
	perByte := int(8 / bits)
	mask := byte(1<<bits - 1)

	out := make([]byte, (len(colors)+perByte-1)/perByte)
	for i, color := range colors {
		shift := 8 - bits - uint(i%perByte)*bits
		out[i/perByte] |= (color & mask) << shift
	}
	return out, nil
}

// Unpack decodes the first n cells of a packed buffer.
func Unpack(buf []byte, bits uint, n int) ([]uint8, error) {
	if bits == 0 || 8%bits != 0 {
		return nil, fmt.Errorf("%w: %d bits per cell", ErrInvalidGeometry, bits)
	}
	perByte := int(8 / bits)
	if n < 0 || n > len(buf)*perByte {
		return nil, fmt.Errorf("%w: %d cells do not fit in %d bytes", ErrInvalidGeometry, n, len(buf))
	}
	mask := byte(1<<bits - 1)

	out := make([]uint8, n)
	for i := range out {
		shift := 8 - bits - uint(i%perByte)*bits
		out[i] = buf[i/perByte] >> shift & mask
	}
	return out, nil
}

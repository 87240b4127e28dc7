// Package vin validates vehicle identification numbers and reassembles them
// from the segmented answers ECUs send on the bus.
package vin

import (
	"errors"
	"fmt"
	"strings"
)

// Length is the number of characters in a VIN.
const Length = 17

// VehiclePrefix is the world manufacturer identifier every vehicle VIN on
// this platform starts with.
const VehiclePrefix = "VF1"

var (
	ErrLength = errors.New("vin: length is not 17")
	ErrByte   = errors.New("vin: contains a null or space byte")
	ErrPrefix = errors.New("vin: unexpected manufacturer prefix")
)

// Validate checks s: exactly 17 bytes, no 0x00 or 0x20 byte and, when prefix
// is not empty, starting with prefix.
func Validate(s, prefix string) error {
	if len(s) != Length {
		return fmt.Errorf("%w: got %d", ErrLength, len(s))
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 || s[i] == ' ' {
			return fmt.Errorf("%w at offset %d", ErrByte, i)
		}
	}
	if prefix != "" && !strings.HasPrefix(s, prefix) {
		return fmt.Errorf("%w: %q", ErrPrefix, s[:len(prefix)])
	}
	return nil
}

// Checksum is the low byte of the sum of the VIN bytes, as carried in the
// last segment of a VIN write.
func Checksum(v string) byte {
	var sum byte
	for i := 0; i < len(v); i++ {
		sum += v[i]
	}
	return sum
}

// Buffer accumulates up to 17 bytes. Bytes appended to a full buffer are
// dropped.
type Buffer struct {
	b [Length]byte
	n int
}

// Append adds as much of p as fits and returns the number of bytes taken.
func (b *Buffer) Append(p []byte) int {
	n := copy(b.b[b.n:], p)
	b.n += n
	return n
}

// Len returns the number of accumulated bytes.
func (b *Buffer) Len() int { return b.n }

// Full reports whether all 17 bytes are present.
func (b *Buffer) Full() bool { return b.n == Length }

// String returns the accumulated bytes as a string.
func (b *Buffer) String() string { return string(b.b[:b.n]) }

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.b = [Length]byte{}
	b.n = 0
}

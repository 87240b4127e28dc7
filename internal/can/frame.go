package can

import (
	"errors"
	"fmt"
	"strings"
)

// MaxStandardID is the largest 11-bit identifier.
const MaxStandardID = 0x7FF

var (
	ErrInvalidID  = errors.New("can: invalid identifier")
	ErrInvalidLen = errors.New("can: invalid data length")
)

// Frame is a classical CAN data frame. It is a value type; build it with
// NewFrame and pass it by value.
type Frame struct {
	ID       uint32 // 11-bit identifier
	Extended bool   // always false on this link
	Remote   bool   // always false on this link
	Len      uint8  // data length code, 0..8
	Data     [8]byte
}

// NewFrame builds a standard data frame. Data beyond 8 bytes is truncated.
func NewFrame(id uint32, data ...byte) Frame {
	f := Frame{ID: id}
	if len(data) > 8 {
		data = data[:8]
	}
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f
}

// Validate returns an error if the frame cannot be put on the bus.
func (f Frame) Validate() error {
	if f.Len > 8 {
		return ErrInvalidLen
	}
	if f.Extended || f.ID > MaxStandardID {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the used part of Data.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > 8 {
		n = 8
	}
	return f.Data[:n]
}

// String renders the frame as "7E8 [8] 10 14 62 F1 90 56 46 31".
func (f Frame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%03X [%d]", f.ID, f.Len)
	for _, d := range f.Payload() {
		fmt.Fprintf(&b, " %02X", d)
	}
	return b.String()
}

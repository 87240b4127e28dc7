// Package script holds the fixed diagnostic frame sequences as data tables
// and the runner that transmits them.
package script

import (
	"fmt"

	"github.com/shaunagostinho/canlink/internal/vin"
)

// Sequence is an ordered list of 8-byte payloads sent to one identifier.
type Sequence struct {
	Name   string
	ID     uint32
	Frames [][]byte
}

// Len returns the number of frames.
func (s Sequence) Len() int { return len(s.Frames) }

// Vehicle ECU: open the extended session, keep it open, pass seed/key
// access, then read the VIN (local identifier 0x81) with flow control.
var vehicleUnlock = [][]byte{
	{0x02, 0x10, 0xC0, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x3E, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x10, 0xFA, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x3E, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x27, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x04, 0x27, 0x02, 0x4A, 0x91, 0x00, 0x00, 0x00},
	{0x02, 0x3E, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x1A, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x30, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x21, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x30, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x3E, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x21, 0x81, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x30, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x3E, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x30, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// Steering column ECU: session, tester present, VIN read, flow control.
var columnUnlock = [][]byte{
	{0x02, 0x10, 0xC0, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x3E, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x21, 0x81, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x30, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x3E, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x30, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
}

var immoProgram = [][]byte{
	{0x02, 0x10, 0xFB, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x27, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x06, 0x27, 0x04, 0x3C, 0xA1, 0x5E, 0x07, 0x00},
	{0x04, 0x31, 0x01, 0xA5, 0x5A, 0x00, 0x00, 0x00},
}

var dtcClear = [][]byte{
	{0x03, 0x14, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00},
}

var null = [][]byte{
	{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// VIN byte layout inside the write sequence.
const (
	writeSession = 0 // frame index of the session request
	writeFirst   = 1 // 4 VIN bytes at offset 4
	writeSecond  = 2 // 7 VIN bytes at offset 1
	writeLast    = 3 // 6 VIN bytes at offset 1, checksum at offset 7
)

func clone(frames [][]byte) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// VehicleUnlock is the 16 frame VIN read handshake for the vehicle ECU.
func VehicleUnlock(ids IDs) Sequence {
	return Sequence{Name: "vehicle unlock", ID: ids.VehicleRequest, Frames: clone(vehicleUnlock)}
}

// ColumnUnlock is the 6 frame VIN read handshake for the column ECU.
func ColumnUnlock(ids IDs) Sequence {
	return Sequence{Name: "column unlock", ID: ids.ColumnRequest, Frames: clone(columnUnlock)}
}

// VINWrite writes v into the column ECU: a session request, then the VIN in
// three segments with the checksum in the last byte.
func VINWrite(ids IDs, v string) (Sequence, error) {
	if err := vin.Validate(v, ""); err != nil {
		return Sequence{}, fmt.Errorf("script: VIN write: %w", err)
	}
	frames := [][]byte{
		writeSession: {0x02, 0x10, 0xC0, 0x00, 0x00, 0x00, 0x00, 0x00},
		writeFirst:   {0x10, 0x14, 0x3B, 0x81, v[0], v[1], v[2], v[3]},
		writeSecond:  append([]byte{0x21}, v[4:11]...),
		writeLast:    append(append([]byte{0x22}, v[11:17]...), vin.Checksum(v)),
	}
	return Sequence{Name: "VIN write", ID: ids.Write, Frames: frames}, nil
}

// ImmoProgram is the 4 frame immobilizer programming request.
func ImmoProgram(ids IDs) Sequence {
	return Sequence{Name: "immobilizer program", ID: ids.Write, Frames: clone(immoProgram)}
}

// DTCClear is the single frame clear-all-codes request used as keep-alive.
func DTCClear(ids IDs) Sequence {
	return Sequence{Name: "DTC clear", ID: ids.Write, Frames: clone(dtcClear)}
}

// Null is the neutral frame sent once at startup.
func Null(ids IDs) Sequence {
	return Sequence{Name: "null", ID: ids.Null, Frames: clone(null)}
}

package can

import (
	"errors"
	"testing"
)

func TestNewFrame(t *testing.T) {
	f := NewFrame(0x7E0, 0x02, 0x10, 0xC0)
	if f.Len != 3 {
		t.Fatalf("len = %d, want 3", f.Len)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := f.String(); got != "7E0 [3] 02 10 C0" {
		t.Fatalf("String() = %q", got)
	}
}

func TestNewFrameTruncates(t *testing.T) {
	f := NewFrame(0x100, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	if f.Len != 8 || f.Data[7] != 8 {
		t.Fatalf("got %+v", f)
	}
}

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
		want error
	}{
		{"max standard id", Frame{ID: 0x7FF, Len: 8}, nil},
		{"id too large", Frame{ID: 0x800}, ErrInvalidID},
		{"extended", Frame{ID: 0x100, Extended: true}, ErrInvalidID},
		{"len too large", Frame{ID: 0x100, Len: 9}, ErrInvalidLen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.f.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSegmentVIN(t *testing.T) {
	const vin = "VF1AB000123456789"
	frames := SegmentVIN(0x7E8, vin)
	if len(frames) != 3 {
		t.Fatalf("got %d frames", len(frames))
	}
	var got []byte
	got = append(got, frames[0].Data[4:8]...)
	got = append(got, frames[1].Data[1:8]...)
	got = append(got, frames[2].Data[1:7]...)
	if string(got) != vin {
		t.Fatalf("segments carry %q, want %q", got, vin)
	}
	if frames[0].Data[0] != 0x10 || frames[1].Data[0] != 0x21 || frames[2].Data[0] != 0x22 {
		t.Fatalf("control bytes: %s / %s / %s", frames[0], frames[1], frames[2])
	}
}

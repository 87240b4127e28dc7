package vin

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		vin    string
		prefix string
		want   error
	}{
		{"vehicle", "VF1AAAAA11A111111", VehiclePrefix, nil},
		{"column without prefix rule", "WDB12345678901234", "", nil},
		{"wrong prefix", "WDB12345678901234", VehiclePrefix, ErrPrefix},
		{"short", "VF1AAAAA11A11111", VehiclePrefix, ErrLength},
		{"long", "VF1AAAAA11A1111111", VehiclePrefix, ErrLength},
		{"space", "VF1AAAAA 1A111111", VehiclePrefix, ErrByte},
		{"null", "VF1AAAAA\x001A111111", "", ErrByte},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.vin, tt.prefix); !errors.Is(err, tt.want) {
				t.Fatalf("Validate(%q) = %v, want %v", tt.vin, err, tt.want)
			}
		})
	}
}

func TestBufferDropsExcess(t *testing.T) {
	var b Buffer
	if n := b.Append([]byte("VF1AAAAA11A1")); n != 12 {
		t.Fatalf("appended %d", n)
	}
	if n := b.Append([]byte("1111111111")); n != 5 {
		t.Fatalf("appended %d to a 12 byte buffer, want 5", n)
	}
	if !b.Full() || b.String() != "VF1AAAAA11A111111" {
		t.Fatalf("buffer = %q", b.String())
	}
	if n := b.Append([]byte("X")); n != 0 || b.Len() != Length {
		t.Fatalf("full buffer took %d bytes, len %d", n, b.Len())
	}
	b.Reset()
	if b.Len() != 0 || b.String() != "" {
		t.Fatalf("reset left %q", b.String())
	}
}

func TestChecksum(t *testing.T) {
	var want byte
	for _, c := range []byte("VF1AAAAA11A111111") {
		want += c
	}
	if got := Checksum("VF1AAAAA11A111111"); got != want {
		t.Fatalf("Checksum = %#02x, want %#02x", got, want)
	}
}

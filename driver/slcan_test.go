package driver

import (
	"errors"
	"testing"

	"github.com/vehiclelink/canadapter/packet"
)

func TestEncodeSlcan(t *testing.T) {
	p := packet.New(0x0CF00A00, []byte{0xFF, 0xFF, 0x00, 0xFE})
	if got, want := encodeSlcan(p), "T0CF00A004FFFF00FE\r"; got != want {
		t.Errorf("encodeSlcan = %q, want %q", got, want)
	}
	empty := packet.New(0x18FFAAF9, nil)
	if got, want := encodeSlcan(empty), "T18FFAAF90\r"; got != want {
		t.Errorf("encodeSlcan = %q, want %q", got, want)
	}
}

func TestParseSlcan(t *testing.T) {
	tests := []struct {
		line    string
		wantID  uint32
		want    []byte
		wantErr bool
	}{
		{line: "T0CF00A008FFFF00FEFFFF0000", wantID: 0x0CF00A00, want: []byte{0xFF, 0xFF, 0x00, 0xFE, 0xFF, 0xFF, 0x00, 0x00}},
		{line: "T18FFAAF93010203", wantID: 0x18FFAAF9, want: []byte{1, 2, 3}},
		{line: "T18FFAAF90", wantID: 0x18FFAAF9, want: nil},
		{line: "t12340", wantErr: true},         // standard frame, unsupported
		{line: "T18FFAAF9", wantErr: true},      // missing length
		{line: "T18FFAAF930102", wantErr: true}, // truncated payload
		{line: "TZZZZZZZZ0", wantErr: true},     // bad id
		{line: "V1013", wantErr: true},          // command echo
		{line: "", wantErr: true},
	}
	for _, tt := range tests {
		p, err := parseSlcan(tt.line)
		if tt.wantErr {
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("parseSlcan(%q) err = %v, want ErrMalformedFrame", tt.line, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSlcan(%q): %v", tt.line, err)
			continue
		}
		if p.ID() != tt.wantID {
			t.Errorf("parseSlcan(%q) id = %08X, want %08X", tt.line, p.ID(), tt.wantID)
		}
		if string(p.Data()) != string(tt.want) {
			t.Errorf("parseSlcan(%q) data = %X, want %X", tt.line, p.Data(), tt.want)
		}
	}
}

func TestSlcanRoundTrip(t *testing.T) {
	orig := packet.New(0x18EAFFF9, []byte{0xEC, 0xFE, 0x00})
	line := encodeSlcan(orig)
	got, err := parseSlcan(line[:len(line)-1])
	if err != nil {
		t.Fatalf("parseSlcan: %v", err)
	}
	if got.ID() != orig.ID() || string(got.Data()) != string(orig.Data()) {
		t.Errorf("round trip mismatch: %v -> %v", orig, got)
	}
}

package cemi

import (
	"errors"
	"testing"
)

func TestIndividualAddrParts(t *testing.T) {
	a := NewIndividualAddr(1, 1, 4)
	if a != 0x1104 {
		t.Errorf("NewIndividualAddr(1,1,4) = %#04x, want 0x1104", uint16(a))
	}
	if a.Area() != 1 || a.Line() != 1 || a.Device() != 4 {
		t.Errorf("parts = %d.%d.%d, want 1.1.4", a.Area(), a.Line(), a.Device())
	}
	if a.String() != "1.1.4" {
		t.Errorf("String() = %q, want \"1.1.4\"", a.String())
	}
}

func TestParseIndividualAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    IndividualAddr
		wantErr bool
	}{
		{in: "1.1.0", want: 0x1100},
		{in: "15.15.255", want: 0xFFFF},
		{in: "0.0.0", want: 0},
		{in: "4353", want: 0x1101},
		{in: "1.1", wantErr: true},
		{in: "16.0.0", wantErr: true},
		{in: "1.1.256", wantErr: true},
		{in: "a.b.c", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range tests {
		got, err := ParseIndividualAddr(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseIndividualAddr(%q) = %v, want error", tc.in, got)
			} else if !errors.Is(err, ErrInvalidAddr) {
				t.Errorf("ParseIndividualAddr(%q) error = %v, want ErrInvalidAddr", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseIndividualAddr(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseIndividualAddr(%q) = %#04x, want %#04x", tc.in, uint16(got), uint16(tc.want))
		}
	}
}

func TestParseGroupAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    GroupAddr
		wantErr bool
	}{
		{in: "1/0/1", want: 0x0801},
		{in: "31/7/255", want: 0xFFFF},
		{in: "0/0/0", want: 0},
		{in: "1/1", want: 0x0801}, // 2-level: 1/(0*256+1)
		{in: "2049", want: 0x0801},
		{in: "32/0/0", wantErr: true},
		{in: "1/8/0", wantErr: true},
		{in: "1/0/0/0", wantErr: true},
		{in: "x/y/z", wantErr: true},
	}

	for _, tc := range tests {
		got, err := ParseGroupAddr(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseGroupAddr(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseGroupAddr(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseGroupAddr(%q) = %#04x, want %#04x", tc.in, uint16(got), uint16(tc.want))
		}
	}
}

func TestGroupAddrString(t *testing.T) {
	if s := NewGroupAddr(1, 0, 1).String(); s != "1/0/1" {
		t.Errorf("String() = %q, want \"1/0/1\"", s)
	}
	if s := GroupAddr(0xFFFF).String(); s != "31/7/255" {
		t.Errorf("String() = %q, want \"31/7/255\"", s)
	}
}

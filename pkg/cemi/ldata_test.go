package cemi

import (
	"bytes"
	"errors"
	"testing"
)

func TestGroupTelegramWireLayout(t *testing.T) {
	tests := []struct {
		name string
		tg   GroupTelegram
		want []byte
	}{
		{
			name: "short write",
			tg: GroupTelegram{
				Code:    LDataInd,
				Source:  NewIndividualAddr(1, 1, 1),
				Dest:    NewGroupAddr(1, 1, 1),
				Service: GroupWrite,
				Data:    []byte{0x01},
			},
			want: []byte{0x29, 0x00, 0xbc, 0xe0, 0x11, 0x01, 0x09, 0x01, 0x01, 0x00, 0x81},
		},
		{
			name: "read",
			tg: GroupTelegram{
				Code:    LDataReq,
				Dest:    NewGroupAddr(2, 0, 10),
				Service: GroupRead,
			},
			want: []byte{0x11, 0x00, 0xbc, 0xe0, 0x00, 0x00, 0x10, 0x0a, 0x01, 0x00, 0x00},
		},
		{
			name: "long write",
			tg: GroupTelegram{
				Code:    LDataReq,
				Dest:    NewGroupAddr(1, 2, 3),
				Service: GroupWrite,
				Data:    []byte{0x12, 0x34},
			},
			want: []byte{0x11, 0x00, 0xbc, 0xe0, 0x00, 0x00, 0x0a, 0x03, 0x03, 0x00, 0x80, 0x12, 0x34},
		},
		{
			name: "one byte above the short range",
			tg: GroupTelegram{
				Code:    LDataReq,
				Dest:    NewGroupAddr(1, 2, 3),
				Service: GroupWrite,
				Data:    []byte{0x40},
			},
			want: []byte{0x11, 0x00, 0xbc, 0xe0, 0x00, 0x00, 0x0a, 0x03, 0x02, 0x00, 0x80, 0x40},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := tc.tg.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !bytes.Equal(frame, tc.want) {
				t.Errorf("wire = % x, want % x", []byte(frame), tc.want)
			}
		})
	}
}

func TestGroupTelegramRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		tg   GroupTelegram
	}{
		{"read", GroupTelegram{Code: LDataReq, Dest: NewGroupAddr(1, 1, 1), Service: GroupRead}},
		{"short response", GroupTelegram{Code: LDataInd, Source: NewIndividualAddr(1, 1, 5),
			Dest: NewGroupAddr(1, 1, 1), Service: GroupResponse, Data: []byte{0x3f}}},
		{"long write", GroupTelegram{Code: LDataInd, Source: NewIndividualAddr(2, 3, 4),
			Dest: NewGroupAddr(5, 6, 7), Service: GroupWrite, Data: []byte{0xde, 0xad, 0xbe, 0xef}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := tc.tg.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := DecodeGroupTelegram(frame)
			if err != nil {
				t.Fatalf("DecodeGroupTelegram: %v", err)
			}
			if got.Code != tc.tg.Code || got.Source != tc.tg.Source ||
				got.Dest != tc.tg.Dest || got.Service != tc.tg.Service {
				t.Errorf("decoded = %+v, want %+v", got, tc.tg)
			}
			if !bytes.Equal(got.Data, tc.tg.Data) {
				t.Errorf("decoded data = %x, want %x", got.Data, tc.tg.Data)
			}
		})
	}
}

func TestGroupTelegramAdditionalInfo(t *testing.T) {
	// Two octets of additional info between the message code and the
	// service fields.
	frame := Frame{0x29, 0x02, 0xaa, 0xbb, 0xbc, 0xe0, 0x11, 0x01, 0x09, 0x01, 0x01, 0x00, 0x81}
	got, err := DecodeGroupTelegram(frame)
	if err != nil {
		t.Fatalf("DecodeGroupTelegram: %v", err)
	}
	if got.Dest != NewGroupAddr(1, 1, 1) || got.Service != GroupWrite {
		t.Errorf("decoded = %+v", got)
	}
	if !bytes.Equal(got.Data, []byte{0x01}) {
		t.Errorf("decoded data = %x, want 01", got.Data)
	}
}

func TestDecodeGroupTelegramErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  error
	}{
		{"not a data service", Frame{byte(LBusmonInd), 0x00, 0xcc}, ErrInvalidFrame},
		{"short frame", Frame{byte(LDataInd), 0x00, 0xbc, 0xe0}, ErrFrameTooShort},
		{"individually addressed",
			Frame{0x29, 0x00, 0xbc, 0x60, 0x11, 0x01, 0x11, 0x02, 0x01, 0x00, 0x81},
			ErrInvalidFrame},
		{"length mismatch",
			Frame{0x29, 0x00, 0xbc, 0xe0, 0x11, 0x01, 0x09, 0x01, 0x03, 0x00, 0x80},
			ErrInvalidFrame},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeGroupTelegram(tc.frame); !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGroupTelegramDataLimit(t *testing.T) {
	tg := GroupTelegram{Dest: NewGroupAddr(1, 1, 1), Service: GroupWrite, Data: make([]byte, maxGroupData+1)}
	if _, err := tg.Encode(); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("oversize Encode error = %v, want ErrInvalidFrame", err)
	}

	tg.Data = make([]byte, maxGroupData)
	frame, err := tg.Encode()
	if err != nil {
		t.Fatalf("Encode at the limit: %v", err)
	}
	got, err := DecodeGroupTelegram(frame)
	if err != nil {
		t.Fatalf("DecodeGroupTelegram: %v", err)
	}
	if len(got.Data) != maxGroupData {
		t.Errorf("decoded %d data bytes, want %d", len(got.Data), maxGroupData)
	}
}

func TestGroupBuilders(t *testing.T) {
	read := NewGroupRead(NewGroupAddr(1, 1, 1))
	tg, err := DecodeGroupTelegram(read)
	if err != nil {
		t.Fatalf("DecodeGroupTelegram: %v", err)
	}
	if tg.Service != GroupRead || tg.Data != nil {
		t.Errorf("read telegram = %+v", tg)
	}

	write, err := NewGroupWrite(NewGroupAddr(1, 1, 2), []byte{0x80})
	if err != nil {
		t.Fatalf("NewGroupWrite: %v", err)
	}
	tg, err = DecodeGroupTelegram(write)
	if err != nil {
		t.Fatalf("DecodeGroupTelegram: %v", err)
	}
	if tg.Service != GroupWrite || !bytes.Equal(tg.Data, []byte{0x80}) {
		t.Errorf("write telegram = %+v", tg)
	}

	resp, err := NewGroupResponse(NewGroupAddr(1, 1, 2), []byte{0x01})
	if err != nil {
		t.Fatalf("NewGroupResponse: %v", err)
	}
	tg, err = DecodeGroupTelegram(resp)
	if err != nil {
		t.Fatalf("DecodeGroupTelegram: %v", err)
	}
	if tg.Service != GroupResponse || !bytes.Equal(tg.Data, []byte{0x01}) {
		t.Errorf("response telegram = %+v", tg)
	}
	if tg.Code != LDataReq {
		t.Errorf("builder code = %v, want LDataReq", tg.Code)
	}
}

func TestGroupServiceString(t *testing.T) {
	if s := GroupWrite.String(); s != "write" {
		t.Errorf("GroupWrite = %q", s)
	}
	if s := GroupService(0xc0).String(); s != "GroupService(0xc0)" {
		t.Errorf("unknown service = %q", s)
	}
}

package cemi

import (
	"encoding/binary"
	"fmt"
)

// GroupService is the application service of a group telegram, the top
// two APCI bits (KNX Standard 3/3/7).
type GroupService uint8

const (
	// GroupRead asks the devices listening on a group address for the
	// current value.
	GroupRead GroupService = 0x00

	// GroupResponse answers a read.
	GroupResponse GroupService = 0x40

	// GroupWrite distributes a new value.
	GroupWrite GroupService = 0x80
)

func (s GroupService) String() string {
	switch s {
	case GroupRead:
		return "read"
	case GroupResponse:
		return "response"
	case GroupWrite:
		return "write"
	default:
		return fmt.Sprintf("GroupService(0x%02x)", uint8(s))
	}
}

// Default control fields for frames built here: standard frame,
// priority low, group addressed, hop count 6.
const (
	ctrlStandard   = 0xbc
	ctrlGroupHops6 = 0xe0

	// groupFixedSize counts the octets from control field 1 through the
	// APCI octet, after message code and additional info.
	groupFixedSize = 9

	// maxGroupData bounds the value payload of a standard frame: the
	// 15-octet APDU minus the APCI octet.
	maxGroupData = 14
)

// GroupTelegram is a decoded group-addressed L_Data frame. Everything
// else on the bus (individually addressed traffic, extended frames,
// transport-layer connections) stays an opaque Frame.
type GroupTelegram struct {
	// Code is LDataReq, LDataCon or LDataInd.
	Code MessageCode

	// Source is the sending device. Zero in outgoing requests; the
	// gateway fills in the tunnel address.
	Source IndividualAddr

	Dest    GroupAddr
	Service GroupService

	// Data is the DPT-encoded value. Nil for reads. Values of at most
	// 6 bits travel inside the APCI octet on the wire.
	Data []byte
}

// Encode serializes the telegram as a standard L_Data frame.
func (t *GroupTelegram) Encode() (Frame, error) {
	if len(t.Data) > maxGroupData {
		return nil, fmt.Errorf("%w: %d data bytes exceed the group value limit of %d",
			ErrInvalidFrame, len(t.Data), maxGroupData)
	}
	code := t.Code
	if code == 0 {
		code = LDataReq
	}

	short := len(t.Data) == 0 || (len(t.Data) == 1 && t.Data[0] <= 0x3f)
	npdu := 1
	if !short {
		npdu += len(t.Data)
	}

	buf := make(Frame, 2+groupFixedSize+npdu-1)
	buf[0] = byte(code)
	buf[1] = 0 // no additional info
	buf[2] = ctrlStandard
	buf[3] = ctrlGroupHops6
	binary.BigEndian.PutUint16(buf[4:], uint16(t.Source))
	binary.BigEndian.PutUint16(buf[6:], uint16(t.Dest))
	buf[8] = byte(npdu)
	buf[9] = 0 // TPCI, plain group traffic
	buf[10] = byte(t.Service)
	if short {
		if len(t.Data) == 1 {
			buf[10] |= t.Data[0] & 0x3f
		}
	} else {
		copy(buf[11:], t.Data)
	}
	return buf, nil
}

// DecodeGroupTelegram parses a group-addressed L_Data frame. Frames
// that are not L_Data or not group addressed return ErrInvalidFrame;
// monitors skip those and show the raw frame instead.
func DecodeGroupTelegram(f Frame) (*GroupTelegram, error) {
	switch f.Code() {
	case LDataReq, LDataCon, LDataInd:
	default:
		return nil, fmt.Errorf("%w: %s is not a data service", ErrInvalidFrame, f.Code())
	}
	if len(f) < 2 {
		return nil, fmt.Errorf("%w: data frame needs %d bytes, have %d",
			ErrFrameTooShort, 2+groupFixedSize, len(f))
	}
	fixed := 2 + int(f[1]) // skip additional info
	if len(f) < fixed+groupFixedSize {
		return nil, fmt.Errorf("%w: data frame needs %d bytes, have %d",
			ErrFrameTooShort, fixed+groupFixedSize, len(f))
	}
	if f[fixed+1]&0x80 == 0 {
		return nil, fmt.Errorf("%w: individually addressed frame", ErrInvalidFrame)
	}
	npdu := int(f[fixed+6])
	if want := fixed + groupFixedSize - 1 + npdu; len(f) != want {
		return nil, fmt.Errorf("%w: data frame carries %d of %d bytes",
			ErrInvalidFrame, len(f), want)
	}

	apci := f[fixed+8]
	t := &GroupTelegram{
		Code:    f.Code(),
		Source:  IndividualAddr(binary.BigEndian.Uint16(f[fixed+2:])),
		Dest:    GroupAddr(binary.BigEndian.Uint16(f[fixed+4:])),
		Service: GroupService(apci & 0xc0),
	}
	if npdu > 1 {
		t.Data = make([]byte, npdu-1)
		copy(t.Data, f[fixed+groupFixedSize:])
	} else if t.Service != GroupRead {
		// Short APDU, the value rides in the APCI octet.
		t.Data = []byte{apci & 0x3f}
	}
	return t, nil
}

// String renders the telegram for monitors and logs.
func (t *GroupTelegram) String() string {
	if t.Data == nil {
		return fmt.Sprintf("%s %s -> %s %s", t.Code, t.Source, t.Dest, t.Service)
	}
	return fmt.Sprintf("%s %s -> %s %s % x", t.Code, t.Source, t.Dest, t.Service, t.Data)
}

// NewGroupWrite builds an L_Data.req writing a value to a group
// address.
func NewGroupWrite(dest GroupAddr, data []byte) (Frame, error) {
	t := GroupTelegram{Code: LDataReq, Dest: dest, Service: GroupWrite, Data: data}
	return t.Encode()
}

// NewGroupResponse builds an L_Data.req answering a group read.
func NewGroupResponse(dest GroupAddr, data []byte) (Frame, error) {
	t := GroupTelegram{Code: LDataReq, Dest: dest, Service: GroupResponse, Data: data}
	return t.Encode()
}

// NewGroupRead builds an L_Data.req asking for the value of a group
// address.
func NewGroupRead(dest GroupAddr) Frame {
	t := GroupTelegram{Code: LDataReq, Dest: dest, Service: GroupRead}
	frame, _ := t.Encode()
	return frame
}

package cemi

import (
	"encoding/binary"
	"fmt"
)

// Interface object types and property IDs used by the stack for
// device management (KNX Standard 3/6/3, 3/5/1).
const (
	// CEMIServerObject is the interface object type of the cEMI server.
	CEMIServerObject uint16 = 8

	// PIDCommMode selects the cEMI server communication mode.
	PIDCommMode uint8 = 52

	// KNXnetIPParameterObject is the interface object type holding
	// KNXnet/IP configuration properties.
	KNXnetIPParameterObject uint16 = 11
)

// cEMI server communication modes written to PIDCommMode.
const (
	CommModeLinkLayer  uint8 = 0x00
	CommModeBusmonitor uint8 = 0x01
)

// propHeaderSize is the fixed part of an M_Prop* frame: message code,
// object type, object instance, property ID, elements/start index.
const propHeaderSize = 7

// Prop is a decoded device-management property frame.
type Prop struct {
	Code       MessageCode
	ObjectType uint16
	Instance   uint8
	Property   uint8
	Elements   uint8 // 4 bits; 0 in a confirmation signals an error
	StartIndex uint16
	Data       []byte // values, or a single error code when Elements == 0
}

// Encode serializes the property frame.
func (p *Prop) Encode() Frame {
	buf := make([]byte, propHeaderSize+len(p.Data))
	buf[0] = byte(p.Code)
	binary.BigEndian.PutUint16(buf[1:], p.ObjectType)
	buf[3] = p.Instance
	buf[4] = p.Property
	binary.BigEndian.PutUint16(buf[5:], uint16(p.Elements&0x0f)<<12|p.StartIndex&0x0fff)
	copy(buf[propHeaderSize:], p.Data)
	return buf
}

// DecodeProp parses an M_Prop* frame.
func DecodeProp(f Frame) (*Prop, error) {
	if len(f) < propHeaderSize {
		return nil, fmt.Errorf("%w: property frame needs %d bytes, have %d",
			ErrFrameTooShort, propHeaderSize, len(f))
	}
	switch f.Code() {
	case MPropReadReq, MPropReadCon, MPropWriteReq, MPropWriteCon, MPropInfoInd:
	default:
		return nil, fmt.Errorf("%w: %s is not a property service", ErrInvalidFrame, f.Code())
	}

	ei := binary.BigEndian.Uint16(f[5:])
	p := &Prop{
		Code:       f.Code(),
		ObjectType: binary.BigEndian.Uint16(f[1:]),
		Instance:   f[3],
		Property:   f[4],
		Elements:   uint8(ei >> 12),
		StartIndex: ei & 0x0fff,
	}
	if len(f) > propHeaderSize {
		p.Data = make([]byte, len(f)-propHeaderSize)
		copy(p.Data, f[propHeaderSize:])
	}
	return p, nil
}

// Failed reports whether a confirmation carries an error instead of
// data. The error code, if present, is the first data byte.
func (p *Prop) Failed() bool {
	return (p.Code == MPropReadCon || p.Code == MPropWriteCon) && p.Elements == 0
}

// NewPropRead builds an M_PropRead.req frame.
func NewPropRead(objType uint16, instance, property uint8, startIndex uint16, elements uint8) Frame {
	p := Prop{
		Code:       MPropReadReq,
		ObjectType: objType,
		Instance:   instance,
		Property:   property,
		Elements:   elements,
		StartIndex: startIndex,
	}
	return p.Encode()
}

// NewPropWrite builds an M_PropWrite.req frame.
func NewPropWrite(objType uint16, instance, property uint8, startIndex uint16, elements uint8, data []byte) Frame {
	p := Prop{
		Code:       MPropWriteReq,
		ObjectType: objType,
		Instance:   instance,
		Property:   property,
		Elements:   elements,
		StartIndex: startIndex,
		Data:       data,
	}
	return p.Encode()
}

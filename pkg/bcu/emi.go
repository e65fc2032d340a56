package bcu

import (
	"encoding/binary"
	"fmt"
)

// EMI1 PEI services used for BCU memory access (KNX Standard 3/6/2).
const (
	getValueReq byte = 0x4C // PC_Get_Value.req
	getValueCon byte = 0x4B // PC_Get_Value.con
	setValueReq byte = 0x46 // PC_Set_Value.req
)

// BCU memory locations touched during bring-up.
const (
	addrSystemState uint16 = 0x0060
	addrPEIType     uint16 = 0x0049
	addrIndividual  uint16 = 0x0117
)

// System state values written to addrSystemState.
const (
	stateLinkLayer  byte = 0x12
	stateBusmonitor byte = 0x90
	stateReset      byte = 0xC0
)

// maxValueLen is the largest data block an EMI1 value frame carries.
const maxValueLen = 15

// valueHeaderSize covers message code, length and the 16-bit address.
const valueHeaderSize = 4

// getFrame builds a PC_Get_Value.req for n bytes at addr.
func getFrame(addr uint16, n int) []byte {
	buf := make([]byte, valueHeaderSize)
	buf[0] = getValueReq
	buf[1] = byte(n)
	binary.BigEndian.PutUint16(buf[2:], addr)
	return buf
}

// setFrame builds a PC_Set_Value.req writing data at addr.
func setFrame(addr uint16, data []byte) ([]byte, error) {
	if len(data) > maxValueLen {
		return nil, fmt.Errorf("%w: %d data bytes exceed the value limit of %d",
			ErrFormat, len(data), maxValueLen)
	}
	buf := make([]byte, valueHeaderSize+len(data))
	buf[0] = setValueReq
	buf[1] = byte(len(data))
	binary.BigEndian.PutUint16(buf[2:], addr)
	copy(buf[valueHeaderSize:], data)
	return buf, nil
}

// valueData slices the data block out of a value confirm.
func valueData(frame []byte) ([]byte, error) {
	if len(frame) < valueHeaderSize {
		return nil, fmt.Errorf("%w: value frame needs %d bytes, have %d",
			ErrFormat, valueHeaderSize, len(frame))
	}
	n := int(frame[1])
	if n > maxValueLen {
		return nil, fmt.Errorf("%w: value length %d exceeds the limit of %d",
			ErrFormat, n, maxValueLen)
	}
	if len(frame) < valueHeaderSize+n {
		return nil, fmt.Errorf("%w: value frame carries %d of %d data bytes",
			ErrFormat, len(frame)-valueHeaderSize, n)
	}
	return frame[valueHeaderSize : valueHeaderSize+n], nil
}

// Package cemi provides the common external message interface (cEMI)
// framing shared by KNXnet/IP tunneling and local device management, as
// defined in KNX Standard 3/6/3.
//
// The stack treats cEMI payloads as opaque: link-layer frames pass
// through tunneling connections unmodified, and only the leading
// message code is inspected for routing and confirmation matching.
// The exceptions are device management property frames and plain
// group telegrams, which are small and fixed and therefore encoded
// here.
package cemi

// MessageCode is the first octet of every cEMI frame.
type MessageCode uint8

// Link-layer and device-management message codes.
const (
	LBusmonInd MessageCode = 0x2B

	LDataReq MessageCode = 0x11
	LDataCon MessageCode = 0x2E
	LDataInd MessageCode = 0x29

	LRawReq MessageCode = 0x10
	LRawCon MessageCode = 0x2F
	LRawInd MessageCode = 0x2D

	MPropReadReq  MessageCode = 0xFC
	MPropReadCon  MessageCode = 0xFB
	MPropWriteReq MessageCode = 0xF6
	MPropWriteCon MessageCode = 0xF5
	MPropInfoInd  MessageCode = 0xF7
	MResetReq     MessageCode = 0xF1
	MResetInd     MessageCode = 0xF0
)

// String returns the cEMI service name for the message code.
func (c MessageCode) String() string {
	switch c {
	case LBusmonInd:
		return "L_Busmon.ind"
	case LDataReq:
		return "L_Data.req"
	case LDataCon:
		return "L_Data.con"
	case LDataInd:
		return "L_Data.ind"
	case LRawReq:
		return "L_Raw.req"
	case LRawCon:
		return "L_Raw.con"
	case LRawInd:
		return "L_Raw.ind"
	case MPropReadReq:
		return "M_PropRead.req"
	case MPropReadCon:
		return "M_PropRead.con"
	case MPropWriteReq:
		return "M_PropWrite.req"
	case MPropWriteCon:
		return "M_PropWrite.con"
	case MPropInfoInd:
		return "M_PropInfo.ind"
	case MResetReq:
		return "M_Reset.req"
	case MResetInd:
		return "M_Reset.ind"
	default:
		return "Unknown"
	}
}

// Confirmation returns the confirmation code a request expects, and
// whether the service is confirmed at all.
func (c MessageCode) Confirmation() (MessageCode, bool) {
	switch c {
	case LDataReq:
		return LDataCon, true
	case LRawReq:
		return LRawCon, true
	case MPropReadReq:
		return MPropReadCon, true
	case MPropWriteReq:
		return MPropWriteCon, true
	default:
		return 0, false
	}
}

// Frame is a raw cEMI frame. Contents beyond the message code are
// opaque to the transport and connection layers.
type Frame []byte

// Code returns the frame's message code, or 0 for an empty frame.
func (f Frame) Code() MessageCode {
	if len(f) == 0 {
		return 0
	}
	return MessageCode(f[0])
}

// Valid reports whether the frame carries at least a message code.
func (f Frame) Valid() bool { return len(f) > 0 }

// Clone returns an independent copy of the frame.
func (f Frame) Clone() Frame {
	if f == nil {
		return nil
	}
	c := make(Frame, len(f))
	copy(c, f)
	return c
}

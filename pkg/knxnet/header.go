package knxnet

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the length of the KNXnet/IP frame header.
	HeaderSize = 6

	protocolVersion10 = 0x10
)

// Header is the frame header common to all KNXnet/IP services.
type Header struct {
	// Service identifies the frame that follows the header.
	Service Service

	// TotalLength is the length of the whole frame, header included.
	TotalLength int
}

// Size returns the encoded header size.
func (h *Header) Size() int {
	return HeaderSize
}

// Encode returns the encoded header.
func (h *Header) Encode() []byte {
	buf := make([]byte, h.Size())
	h.EncodeTo(buf)
	return buf
}

// EncodeTo encodes the header into buf and returns the number of bytes
// written. The buffer must be at least Size() bytes.
func (h *Header) EncodeTo(buf []byte) int {
	buf[0] = HeaderSize
	buf[1] = protocolVersion10
	binary.BigEndian.PutUint16(buf[2:], uint16(h.Service))
	binary.BigEndian.PutUint16(buf[4:], uint16(h.TotalLength))
	return HeaderSize
}

// Decode parses the header from data and returns the number of bytes
// consumed.
func (h *Header) Decode(data []byte) (int, error) {
	if len(data) < HeaderSize {
		return 0, fmt.Errorf("%w: header needs %d bytes, have %d", ErrFormat, HeaderSize, len(data))
	}
	if data[0] != HeaderSize || data[1] != protocolVersion10 {
		return 0, fmt.Errorf("%w: unexpected header %02x %02x", ErrFormat, data[0], data[1])
	}
	h.Service = Service(binary.BigEndian.Uint16(data[2:]))
	h.TotalLength = int(binary.BigEndian.Uint16(data[4:]))
	if h.TotalLength < HeaderSize {
		return 0, fmt.Errorf("%w: total length %d below header size", ErrFormat, h.TotalLength)
	}
	return HeaderSize, nil
}

// MakeFrame prepends a header to body and returns the complete frame.
func MakeFrame(service Service, body []byte) []byte {
	h := Header{Service: service, TotalLength: HeaderSize + len(body)}
	buf := make([]byte, h.TotalLength)
	n := h.EncodeTo(buf)
	copy(buf[n:], body)
	return buf
}

// SplitFrame parses the header of a complete frame and returns the
// service and body. The frame length must match the header's total
// length exactly; transports deliver whole frames.
func SplitFrame(frame []byte) (Service, []byte, error) {
	var h Header
	n, err := h.Decode(frame)
	if err != nil {
		return 0, nil, err
	}
	if len(frame) != h.TotalLength {
		return 0, nil, fmt.Errorf("%w: frame is %d bytes, header says %d", ErrFormat, len(frame), h.TotalLength)
	}
	return h.Service, frame[n:], nil
}

package knxnet

import "fmt"

// ConnectReq is the body of a CONNECT_REQUEST.
type ConnectReq struct {
	Control HPAI
	Data    HPAI
	CRI     CRI
}

// Size returns the encoded body size.
func (r *ConnectReq) Size() int {
	return r.Control.Size() + r.Data.Size() + r.CRI.Size()
}

// Encode returns the encoded body.
func (r *ConnectReq) Encode() []byte {
	buf := make([]byte, r.Size())
	n := r.Control.EncodeTo(buf)
	n += r.Data.EncodeTo(buf[n:])
	r.CRI.EncodeTo(buf[n:])
	return buf
}

// Decode parses the body from data and returns the number of bytes
// consumed.
func (r *ConnectReq) Decode(data []byte) (int, error) {
	n, err := r.Control.Decode(data)
	if err != nil {
		return 0, err
	}
	m, err := r.Data.Decode(data[n:])
	if err != nil {
		return 0, err
	}
	n += m
	m, err = r.CRI.Decode(data[n:])
	if err != nil {
		return 0, err
	}
	return n + m, nil
}

// ConnectRes is the body of a CONNECT_RESPONSE. Data and CRD are only
// present when Status is StatusNoError; servers answer a rejected
// request with the two leading bytes alone.
type ConnectRes struct {
	Channel uint8
	Status  Status
	Data    HPAI
	CRD     CRD
}

// Size returns the encoded body size.
func (r *ConnectRes) Size() int {
	if r.Status != StatusNoError {
		return 2
	}
	return 2 + r.Data.Size() + r.CRD.Size()
}

// Encode returns the encoded body.
func (r *ConnectRes) Encode() []byte {
	buf := make([]byte, r.Size())
	buf[0] = r.Channel
	buf[1] = byte(r.Status)
	if r.Status == StatusNoError {
		n := 2 + r.Data.EncodeTo(buf[2:])
		r.CRD.EncodeTo(buf[n:])
	}
	return buf
}

// Decode parses the body from data and returns the number of bytes
// consumed.
func (r *ConnectRes) Decode(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: CONNECT_RESPONSE needs 2 bytes, have %d", ErrFormat, len(data))
	}
	r.Channel = data[0]
	r.Status = Status(data[1])
	if r.Status != StatusNoError {
		return 2, nil
	}
	n, err := r.Data.Decode(data[2:])
	if err != nil {
		return 0, err
	}
	n += 2
	m, err := r.CRD.Decode(data[n:])
	if err != nil {
		return 0, err
	}
	return n + m, nil
}

// ConnStateReq is the body of a CONNECTIONSTATE_REQUEST. The same
// layout serves DISCONNECT_REQUEST.
type ConnStateReq struct {
	Channel uint8
	Control HPAI
}

// Size returns the encoded body size.
func (r *ConnStateReq) Size() int {
	return 2 + r.Control.Size()
}

// Encode returns the encoded body.
func (r *ConnStateReq) Encode() []byte {
	buf := make([]byte, r.Size())
	buf[0] = r.Channel
	buf[1] = 0x00
	r.Control.EncodeTo(buf[2:])
	return buf
}

// Decode parses the body from data and returns the number of bytes
// consumed.
func (r *ConnStateReq) Decode(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: request needs 2 bytes, have %d", ErrFormat, len(data))
	}
	r.Channel = data[0]
	n, err := r.Control.Decode(data[2:])
	if err != nil {
		return 0, err
	}
	return 2 + n, nil
}

// ConnStateRes is the body of a CONNECTIONSTATE_RESPONSE. The same
// layout serves DISCONNECT_RESPONSE.
type ConnStateRes struct {
	Channel uint8
	Status  Status
}

// Size returns the encoded body size.
func (r *ConnStateRes) Size() int {
	return 2
}

// Encode returns the encoded body.
func (r *ConnStateRes) Encode() []byte {
	return []byte{r.Channel, byte(r.Status)}
}

// Decode parses the body from data and returns the number of bytes
// consumed.
func (r *ConnStateRes) Decode(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: response needs 2 bytes, have %d", ErrFormat, len(data))
	}
	r.Channel = data[0]
	r.Status = Status(data[1])
	return 2, nil
}

const connHeaderSize = 4

// ConnHeader is the connection header leading every TUNNELING_REQUEST,
// TUNNELING_ACK, DEVICE_CONFIGURATION_REQUEST and
// DEVICE_CONFIGURATION_ACK body. Status is zero in requests.
type ConnHeader struct {
	Channel uint8
	Seq     uint8
	Status  Status
}

// Size returns the encoded header size.
func (h *ConnHeader) Size() int {
	return connHeaderSize
}

// EncodeTo encodes the header into buf and returns the number of bytes
// written.
func (h *ConnHeader) EncodeTo(buf []byte) int {
	buf[0] = connHeaderSize
	buf[1] = h.Channel
	buf[2] = h.Seq
	buf[3] = byte(h.Status)
	return connHeaderSize
}

// Decode parses the header from data and returns the number of bytes
// consumed.
func (h *ConnHeader) Decode(data []byte) (int, error) {
	if len(data) < connHeaderSize {
		return 0, fmt.Errorf("%w: connection header needs %d bytes, have %d", ErrFormat, connHeaderSize, len(data))
	}
	if data[0] != connHeaderSize {
		return 0, fmt.Errorf("%w: connection header length %d", ErrFormat, data[0])
	}
	h.Channel = data[1]
	h.Seq = data[2]
	h.Status = Status(data[3])
	return connHeaderSize, nil
}

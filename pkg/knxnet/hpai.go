package knxnet

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Protocol is the host protocol code of an HPAI.
type Protocol uint8

const (
	ProtoUDP Protocol = 0x01
	ProtoTCP Protocol = 0x02
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "IPV4_UDP"
	case ProtoTCP:
		return "IPV4_TCP"
	default:
		return fmt.Sprintf("Protocol(0x%02x)", uint8(p))
	}
}

const hpaiSize = 8

// HPAI is a host protocol address information structure, the endpoint
// descriptor exchanged during connection setup and discovery.
type HPAI struct {
	Protocol Protocol
	IP       net.IP
	Port     uint16
}

// HPAIFromAddr builds an HPAI describing a local UDP or TCP endpoint.
// TCP endpoints encode as route-back (zero address and port): the
// server answers on the connection itself.
func HPAIFromAddr(addr net.Addr) HPAI {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return HPAI{Protocol: ProtoUDP, IP: a.IP.To4(), Port: uint16(a.Port)}
	case *net.TCPAddr:
		return HPAI{Protocol: ProtoTCP}
	default:
		return HPAI{Protocol: ProtoUDP}
	}
}

// Addr returns the endpoint as a net.UDPAddr. Only meaningful for UDP
// HPAIs.
func (h *HPAI) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: h.IP, Port: int(h.Port)}
}

// IsRouteBack reports whether the HPAI carries no address, asking the
// peer to answer on the incoming connection.
func (h *HPAI) IsRouteBack() bool {
	return (h.IP == nil || h.IP.Equal(net.IPv4zero)) && h.Port == 0
}

// Size returns the encoded HPAI size.
func (h *HPAI) Size() int {
	return hpaiSize
}

// Encode returns the encoded HPAI.
func (h *HPAI) Encode() []byte {
	buf := make([]byte, h.Size())
	h.EncodeTo(buf)
	return buf
}

// EncodeTo encodes the HPAI into buf and returns the number of bytes
// written.
func (h *HPAI) EncodeTo(buf []byte) int {
	buf[0] = hpaiSize
	buf[1] = byte(h.Protocol)
	if ip := h.IP.To4(); ip != nil {
		copy(buf[2:6], ip)
	} else {
		copy(buf[2:6], net.IPv4zero.To4())
	}
	binary.BigEndian.PutUint16(buf[6:], h.Port)
	return hpaiSize
}

// Decode parses the HPAI from data and returns the number of bytes
// consumed.
func (h *HPAI) Decode(data []byte) (int, error) {
	if len(data) < hpaiSize {
		return 0, fmt.Errorf("%w: HPAI needs %d bytes, have %d", ErrFormat, hpaiSize, len(data))
	}
	if data[0] != hpaiSize {
		return 0, fmt.Errorf("%w: HPAI length %d", ErrFormat, data[0])
	}
	h.Protocol = Protocol(data[1])
	if h.Protocol != ProtoUDP && h.Protocol != ProtoTCP {
		return 0, fmt.Errorf("%w: HPAI protocol 0x%02x", ErrFormat, data[1])
	}
	h.IP = net.IPv4(data[2], data[3], data[4], data[5]).To4()
	h.Port = binary.BigEndian.Uint16(data[6:])
	return hpaiSize, nil
}

func (h HPAI) String() string {
	if h.IsRouteBack() {
		return fmt.Sprintf("%s route-back", h.Protocol)
	}
	return fmt.Sprintf("%s %s:%d", h.Protocol, h.IP, h.Port)
}

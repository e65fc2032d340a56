package knxnet

import (
	"encoding/binary"
	"fmt"

	"github.com/backkem/knx/pkg/cemi"
)

// ConnType selects the kind of connection requested from a server.
type ConnType uint8

const (
	// ConnDeviceMgmt is a device management connection carrying
	// M_Prop services to the server itself.
	ConnDeviceMgmt ConnType = 0x03

	// ConnTunnel is a tunneling connection carrying link layer
	// frames to and from the KNX subnetwork.
	ConnTunnel ConnType = 0x04
)

func (t ConnType) String() string {
	switch t {
	case ConnDeviceMgmt:
		return "DEVICE_MGMT_CONNECTION"
	case ConnTunnel:
		return "TUNNEL_CONNECTION"
	default:
		return fmt.Sprintf("ConnType(0x%02x)", uint8(t))
	}
}

// TunnelLayer selects the KNX layer a tunneling connection attaches to.
type TunnelLayer uint8

const (
	// LayerLinkLayer exchanges L_Data frames, the common case.
	LayerLinkLayer TunnelLayer = 0x02

	// LayerRaw exchanges L_Raw frames.
	LayerRaw TunnelLayer = 0x04

	// LayerBusmonitor delivers L_Busmon indications. Busmonitor
	// connections are receive only.
	LayerBusmonitor TunnelLayer = 0x80
)

func (l TunnelLayer) String() string {
	switch l {
	case LayerLinkLayer:
		return "TUNNEL_LINKLAYER"
	case LayerRaw:
		return "TUNNEL_RAW"
	case LayerBusmonitor:
		return "TUNNEL_BUSMONITOR"
	default:
		return fmt.Sprintf("TunnelLayer(0x%02x)", uint8(l))
	}
}

// CRI is the connection request information block of a CONNECT_REQUEST.
type CRI struct {
	Type ConnType

	// Layer applies to tunneling connections only.
	Layer TunnelLayer
}

// Size returns the encoded CRI size.
func (c *CRI) Size() int {
	if c.Type == ConnTunnel {
		return 4
	}
	return 2
}

// EncodeTo encodes the CRI into buf and returns the number of bytes
// written.
func (c *CRI) EncodeTo(buf []byte) int {
	n := c.Size()
	buf[0] = byte(n)
	buf[1] = byte(c.Type)
	if c.Type == ConnTunnel {
		buf[2] = byte(c.Layer)
		buf[3] = 0x00
	}
	return n
}

// Decode parses the CRI from data and returns the number of bytes
// consumed.
func (c *CRI) Decode(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: CRI needs at least 2 bytes, have %d", ErrFormat, len(data))
	}
	n := int(data[0])
	if n < 2 || n > len(data) {
		return 0, fmt.Errorf("%w: CRI length %d", ErrFormat, n)
	}
	c.Type = ConnType(data[1])
	switch c.Type {
	case ConnDeviceMgmt:
		if n != 2 {
			return 0, fmt.Errorf("%w: device management CRI length %d", ErrFormat, n)
		}
	case ConnTunnel:
		if n != 4 {
			return 0, fmt.Errorf("%w: tunnel CRI length %d", ErrFormat, n)
		}
		c.Layer = TunnelLayer(data[2])
		switch c.Layer {
		case LayerLinkLayer, LayerRaw, LayerBusmonitor:
		default:
			return 0, fmt.Errorf("%w: tunnel layer 0x%02x", ErrFormat, data[2])
		}
	default:
		return 0, fmt.Errorf("%w: connection type 0x%02x", ErrFormat, data[1])
	}
	return n, nil
}

// CRD is the connection response data block of a CONNECT_RESPONSE.
type CRD struct {
	Type ConnType

	// Addr is the individual address assigned to a tunneling
	// connection for the duration of the session.
	Addr cemi.IndividualAddr
}

// Size returns the encoded CRD size.
func (c *CRD) Size() int {
	if c.Type == ConnTunnel {
		return 4
	}
	return 2
}

// EncodeTo encodes the CRD into buf and returns the number of bytes
// written.
func (c *CRD) EncodeTo(buf []byte) int {
	n := c.Size()
	buf[0] = byte(n)
	buf[1] = byte(c.Type)
	if c.Type == ConnTunnel {
		binary.BigEndian.PutUint16(buf[2:], uint16(c.Addr))
	}
	return n
}

// Decode parses the CRD from data and returns the number of bytes
// consumed.
func (c *CRD) Decode(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: CRD needs at least 2 bytes, have %d", ErrFormat, len(data))
	}
	n := int(data[0])
	if n < 2 || n > len(data) {
		return 0, fmt.Errorf("%w: CRD length %d", ErrFormat, n)
	}
	c.Type = ConnType(data[1])
	switch c.Type {
	case ConnDeviceMgmt:
		if n != 2 {
			return 0, fmt.Errorf("%w: device management CRD length %d", ErrFormat, n)
		}
	case ConnTunnel:
		if n != 4 {
			return 0, fmt.Errorf("%w: tunnel CRD length %d", ErrFormat, n)
		}
		c.Addr = cemi.IndividualAddr(binary.BigEndian.Uint16(data[2:]))
	default:
		return 0, fmt.Errorf("%w: connection type 0x%02x", ErrFormat, data[1])
	}
	return n, nil
}

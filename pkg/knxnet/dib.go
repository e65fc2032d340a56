package knxnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/backkem/knx/pkg/cemi"
)

// DIB type codes used in search and description responses.
const (
	dibDeviceInfo    = 0x01
	dibSuppFamilies  = 0x02
	deviceInfoSize   = 54
	friendlyNameSize = 30
)

// Medium is the KNX medium code announced in a device information DIB.
type Medium uint8

const (
	MediumTP1   Medium = 0x02
	MediumPL110 Medium = 0x04
	MediumRF    Medium = 0x10
	MediumIP    Medium = 0x20
)

func (m Medium) String() string {
	switch m {
	case MediumTP1:
		return "TP1"
	case MediumPL110:
		return "PL110"
	case MediumRF:
		return "RF"
	case MediumIP:
		return "IP"
	default:
		return fmt.Sprintf("Medium(0x%02x)", uint8(m))
	}
}

// FamilyID identifies a KNXnet/IP service family.
type FamilyID uint8

const (
	FamilyCore          FamilyID = 0x02
	FamilyDeviceMgmt    FamilyID = 0x03
	FamilyTunneling     FamilyID = 0x04
	FamilyRouting       FamilyID = 0x05
	FamilyRemoteLogging FamilyID = 0x06
	FamilyRemoteConfig  FamilyID = 0x07
	FamilyObjectServer  FamilyID = 0x08
	FamilySecurity      FamilyID = 0x09
)

func (f FamilyID) String() string {
	switch f {
	case FamilyCore:
		return "Core"
	case FamilyDeviceMgmt:
		return "Device Management"
	case FamilyTunneling:
		return "Tunneling"
	case FamilyRouting:
		return "Routing"
	case FamilyRemoteLogging:
		return "Remote Logging"
	case FamilyRemoteConfig:
		return "Remote Configuration"
	case FamilyObjectServer:
		return "Object Server"
	case FamilySecurity:
		return "Security"
	default:
		return fmt.Sprintf("FamilyID(0x%02x)", uint8(f))
	}
}

// ServiceFamily is one supported service family with its version.
type ServiceFamily struct {
	ID      FamilyID
	Version uint8
}

// DeviceInfo is the device information DIB a server announces about
// itself.
type DeviceInfo struct {
	Medium       Medium
	Status       uint8
	Addr         cemi.IndividualAddr
	ProjectID    uint16
	Serial       [6]byte
	RoutingAddr  net.IP
	MAC          net.HardwareAddr
	FriendlyName string
}

// ProgrammingMode reports whether the device has programming mode
// active.
func (d *DeviceInfo) ProgrammingMode() bool {
	return d.Status&0x01 != 0
}

// Size returns the encoded DIB size.
func (d *DeviceInfo) Size() int {
	return deviceInfoSize
}

// EncodeTo encodes the device information DIB into buf and returns the
// number of bytes written.
func (d *DeviceInfo) EncodeTo(buf []byte) int {
	buf[0] = deviceInfoSize
	buf[1] = dibDeviceInfo
	buf[2] = byte(d.Medium)
	buf[3] = d.Status
	binary.BigEndian.PutUint16(buf[4:], uint16(d.Addr))
	binary.BigEndian.PutUint16(buf[6:], d.ProjectID)
	copy(buf[8:14], d.Serial[:])
	if ip := d.RoutingAddr.To4(); ip != nil {
		copy(buf[14:18], ip)
	} else {
		copy(buf[14:18], net.IPv4zero.To4())
	}
	copy(buf[18:24], d.MAC)
	name := buf[24:54]
	for i := range name {
		name[i] = 0
	}
	copy(name, d.FriendlyName)
	return deviceInfoSize
}

// Decode parses the device information DIB from data and returns the
// number of bytes consumed.
func (d *DeviceInfo) Decode(data []byte) (int, error) {
	if len(data) < deviceInfoSize {
		return 0, fmt.Errorf("%w: device DIB needs %d bytes, have %d", ErrFormat, deviceInfoSize, len(data))
	}
	if data[0] != deviceInfoSize || data[1] != dibDeviceInfo {
		return 0, fmt.Errorf("%w: device DIB header %02x %02x", ErrFormat, data[0], data[1])
	}
	d.Medium = Medium(data[2])
	d.Status = data[3]
	d.Addr = cemi.IndividualAddr(binary.BigEndian.Uint16(data[4:]))
	d.ProjectID = binary.BigEndian.Uint16(data[6:])
	copy(d.Serial[:], data[8:14])
	d.RoutingAddr = net.IPv4(data[14], data[15], data[16], data[17]).To4()
	d.MAC = make(net.HardwareAddr, 6)
	copy(d.MAC, data[18:24])
	name := data[24:54]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	d.FriendlyName = string(name)
	return deviceInfoSize, nil
}

// encodeFamilies encodes a supported service families DIB.
func encodeFamilies(families []ServiceFamily) []byte {
	buf := make([]byte, 2+2*len(families))
	buf[0] = byte(len(buf))
	buf[1] = dibSuppFamilies
	for i, f := range families {
		buf[2+2*i] = byte(f.ID)
		buf[3+2*i] = f.Version
	}
	return buf
}

func decodeFamilies(data []byte) ([]ServiceFamily, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd service family DIB payload", ErrFormat)
	}
	families := make([]ServiceFamily, 0, len(data)/2)
	for i := 0; i < len(data); i += 2 {
		families = append(families, ServiceFamily{
			ID:      FamilyID(data[i]),
			Version: data[i+1],
		})
	}
	return families, nil
}

// walkDIBs iterates the DIBs of a search or description response body,
// filling known blocks and skipping unknown ones.
func walkDIBs(data []byte, info *DeviceInfo, families *[]ServiceFamily) error {
	haveDevice := false
	for len(data) > 0 {
		if len(data) < 2 {
			return fmt.Errorf("%w: truncated DIB", ErrFormat)
		}
		size := int(data[0])
		if size < 2 || size > len(data) {
			return fmt.Errorf("%w: DIB length %d with %d bytes left", ErrFormat, size, len(data))
		}
		switch data[1] {
		case dibDeviceInfo:
			if _, err := info.Decode(data); err != nil {
				return err
			}
			haveDevice = true
		case dibSuppFamilies:
			fams, err := decodeFamilies(data[2:size])
			if err != nil {
				return err
			}
			*families = fams
		}
		data = data[size:]
	}
	if !haveDevice {
		return fmt.Errorf("%w: response carries no device DIB", ErrFormat)
	}
	return nil
}

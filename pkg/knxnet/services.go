// Package knxnet implements the KNXnet/IP protocol: frame and structure
// codecs, gateway discovery and the sequenced connections used for
// tunneling and device management.
//
// The package speaks through a transport.Transport and is unaware of
// whether frames travel over plain UDP, TCP or a secure session.
package knxnet

import "fmt"

// Service identifies a KNXnet/IP service. The high byte selects the
// service family, the low byte the service within it.
type Service uint16

// Core services.
const (
	SearchRequest           Service = 0x0201
	SearchResponse          Service = 0x0202
	DescriptionRequest      Service = 0x0203
	DescriptionResponse     Service = 0x0204
	ConnectRequest          Service = 0x0205
	ConnectResponse         Service = 0x0206
	ConnectionStateRequest  Service = 0x0207
	ConnectionStateResponse Service = 0x0208
	DisconnectRequest       Service = 0x0209
	DisconnectResponse      Service = 0x020a
)

// Device management services.
const (
	DeviceConfigurationRequest Service = 0x0310
	DeviceConfigurationAck     Service = 0x0311
)

// Tunneling services.
const (
	TunnelingRequest Service = 0x0420
	TunnelingAck     Service = 0x0421
)

// Secure services.
const (
	SecureWrapper       Service = 0x0950
	SessionRequest      Service = 0x0951
	SessionResponse     Service = 0x0952
	SessionAuthenticate Service = 0x0953
	SessionStatus       Service = 0x0954
	TimerNotify         Service = 0x0955
)

func (s Service) String() string {
	switch s {
	case SearchRequest:
		return "SEARCH_REQUEST"
	case SearchResponse:
		return "SEARCH_RESPONSE"
	case DescriptionRequest:
		return "DESCRIPTION_REQUEST"
	case DescriptionResponse:
		return "DESCRIPTION_RESPONSE"
	case ConnectRequest:
		return "CONNECT_REQUEST"
	case ConnectResponse:
		return "CONNECT_RESPONSE"
	case ConnectionStateRequest:
		return "CONNECTIONSTATE_REQUEST"
	case ConnectionStateResponse:
		return "CONNECTIONSTATE_RESPONSE"
	case DisconnectRequest:
		return "DISCONNECT_REQUEST"
	case DisconnectResponse:
		return "DISCONNECT_RESPONSE"
	case DeviceConfigurationRequest:
		return "DEVICE_CONFIGURATION_REQUEST"
	case DeviceConfigurationAck:
		return "DEVICE_CONFIGURATION_ACK"
	case TunnelingRequest:
		return "TUNNELING_REQUEST"
	case TunnelingAck:
		return "TUNNELING_ACK"
	case SecureWrapper:
		return "SECURE_WRAPPER"
	case SessionRequest:
		return "SESSION_REQUEST"
	case SessionResponse:
		return "SESSION_RESPONSE"
	case SessionAuthenticate:
		return "SESSION_AUTHENTICATE"
	case SessionStatus:
		return "SESSION_STATUS"
	case TimerNotify:
		return "TIMER_NOTIFY"
	default:
		return fmt.Sprintf("Service(0x%04x)", uint16(s))
	}
}

// Status is the one byte status code carried in connect and disconnect
// responses and in acknowledge frames.
type Status uint8

const (
	StatusNoError           Status = 0x00
	StatusConnectionID      Status = 0x21
	StatusConnectionType    Status = 0x22
	StatusConnectionOption  Status = 0x23
	StatusNoMoreConnections Status = 0x24
	StatusDataConnection    Status = 0x26
	StatusKNXConnection     Status = 0x27
)

// Err maps the status to its error, or nil for StatusNoError. Unknown
// codes are reported verbatim so server specific codes stay diagnosable.
func (s Status) Err() error {
	switch s {
	case StatusNoError:
		return nil
	case StatusConnectionID:
		return ErrConnectionID
	case StatusConnectionType:
		return ErrConnectionType
	case StatusConnectionOption:
		return ErrConnectionOption
	case StatusNoMoreConnections:
		return ErrNoMoreConnections
	case StatusDataConnection:
		return ErrDataConnection
	case StatusKNXConnection:
		return ErrKNXConnection
	default:
		return fmt.Errorf("knxnet: server reported status 0x%02x", uint8(s))
	}
}

func (s Status) String() string {
	switch s {
	case StatusNoError:
		return "E_NO_ERROR"
	case StatusConnectionID:
		return "E_CONNECTION_ID"
	case StatusConnectionType:
		return "E_CONNECTION_TYPE"
	case StatusConnectionOption:
		return "E_CONNECTION_OPTION"
	case StatusNoMoreConnections:
		return "E_NO_MORE_CONNECTIONS"
	case StatusDataConnection:
		return "E_DATA_CONNECTION"
	case StatusKNXConnection:
		return "E_KNX_CONNECTION"
	default:
		return fmt.Sprintf("Status(0x%02x)", uint8(s))
	}
}

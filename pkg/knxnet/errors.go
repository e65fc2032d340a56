package knxnet

import "errors"

var (
	// ErrFormat indicates a frame or structure that does not follow the
	// KNXnet/IP wire format.
	ErrFormat = errors.New("knxnet: malformed frame")

	// ErrBufferTooSmall indicates the provided buffer cannot hold the
	// encoded structure.
	ErrBufferTooSmall = errors.New("knxnet: buffer too small")

	// ErrTimeout indicates the peer did not answer within the protocol
	// deadline.
	ErrTimeout = errors.New("knxnet: timeout")

	// ErrConnectionClosed indicates the connection is closed or was
	// closed while an operation was waiting on it.
	ErrConnectionClosed = errors.New("knxnet: connection closed")

	// ErrSendOnBusmonitor indicates an attempt to transmit on a
	// busmonitor tunnel, which is receive-only.
	ErrSendOnBusmonitor = errors.New("knxnet: busmonitor connections cannot send")
)

// Errors reported by a server in a CONNECT_RESPONSE, CONNECTIONSTATE_RESPONSE
// or acknowledge status field.
var (
	ErrConnectionID      = errors.New("knxnet: no active connection with this channel (E_CONNECTION_ID)")
	ErrConnectionType    = errors.New("knxnet: connection type not supported (E_CONNECTION_TYPE)")
	ErrConnectionOption  = errors.New("knxnet: connection option not supported (E_CONNECTION_OPTION)")
	ErrNoMoreConnections = errors.New("knxnet: server cannot accept more connections (E_NO_MORE_CONNECTIONS)")
	ErrDataConnection    = errors.New("knxnet: error on the data connection (E_DATA_CONNECTION)")
	ErrKNXConnection     = errors.New("knxnet: error on the KNX subnetwork (E_KNX_CONNECTION)")
)

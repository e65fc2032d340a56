package knxnet

import (
	"fmt"

	"github.com/pion/logging"

	"github.com/backkem/knx/pkg/cemi"
	"github.com/backkem/knx/pkg/transport"
)

// DeviceMgmtConfig collects the arguments of OpenDeviceMgmt.
type DeviceMgmtConfig struct {
	// Transport carries the frames. The connection takes ownership.
	Transport transport.Transport

	// LoggerFactory customizes logging. Defaults to
	// logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory

	Timeouts Timeouts
}

// DeviceMgmt runs M_Prop services against the interface objects of the
// server itself, for reading and writing gateway configuration.
type DeviceMgmt struct {
	conn *Connection
}

// PropError is the KNX error code of a failed property access.
type PropError uint8

func (e PropError) Error() string {
	return fmt.Sprintf("knxnet: property access failed with code 0x%02x", uint8(e))
}

// OpenDeviceMgmt dials a device management connection.
func OpenDeviceMgmt(config DeviceMgmtConfig) (*DeviceMgmt, error) {
	conn, err := Open(ConnectionConfig{
		Transport:     config.Transport,
		CRI:           CRI{Type: ConnDeviceMgmt},
		LoggerFactory: config.LoggerFactory,
		Timeouts:      config.Timeouts,
	})
	if err != nil {
		return nil, err
	}
	return &DeviceMgmt{conn: conn}, nil
}

// ReadProperty reads elements of an interface object property and
// returns the raw property data. A failed access surfaces as a
// PropError.
func (d *DeviceMgmt) ReadProperty(objType uint16, instance, property uint8, startIndex uint16, elements uint8) ([]byte, error) {
	req := cemi.NewPropRead(objType, instance, property, startIndex, elements)
	con, err := d.conn.send(req, WaitForCon)
	if err != nil {
		return nil, err
	}
	p, err := cemi.DecodeProp(cemi.Frame(con))
	if err != nil {
		return nil, err
	}
	if p.Failed() {
		return nil, propErr(p)
	}
	return p.Data, nil
}

// WriteProperty writes elements of an interface object property.
func (d *DeviceMgmt) WriteProperty(objType uint16, instance, property uint8, startIndex uint16, elements uint8, data []byte) error {
	req := cemi.NewPropWrite(objType, instance, property, startIndex, elements, data)
	con, err := d.conn.send(req, WaitForCon)
	if err != nil {
		return err
	}
	p, err := cemi.DecodeProp(cemi.Frame(con))
	if err != nil {
		return err
	}
	if p.Failed() {
		return propErr(p)
	}
	return nil
}

func propErr(p *cemi.Prop) error {
	if len(p.Data) > 0 {
		return PropError(p.Data[0])
	}
	return PropError(0)
}

// OnFrame sets the handler for unsolicited frames, M_PropInfo.ind in
// practice. The handler is invoked on the transport's read goroutine.
func (d *DeviceMgmt) OnFrame(h func(frame cemi.Frame)) {
	if h == nil {
		d.conn.OnPayload(nil)
		return
	}
	d.conn.OnPayload(func(payload []byte) {
		h(cemi.Frame(payload))
	})
}

// State returns the connection state.
func (d *DeviceMgmt) State() State {
	return d.conn.State()
}

// Done is closed when the connection is closed.
func (d *DeviceMgmt) Done() <-chan struct{} {
	return d.conn.Done()
}

// Err returns the reason the connection closed, or nil while it is
// open.
func (d *DeviceMgmt) Err() error {
	return d.conn.Err()
}

// Close shuts the connection down. It is idempotent.
func (d *DeviceMgmt) Close() error {
	return d.conn.Close()
}

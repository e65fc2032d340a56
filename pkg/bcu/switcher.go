// Package bcu switches legacy BCU devices between operating modes
// before a protocol stack attaches to them.
//
// BCU1-generation devices are driven through raw EMI1 value frames on
// a serial link. cEMI servers are driven through device management
// property writes instead. A Switcher speaks one of the two dialects,
// selected at construction, over a caller-supplied Port.
package bcu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/knx/pkg/cemi"
)

// Default Switcher timing.
const (
	// defaultSpacing is the minimum gap between two transmissions.
	// Legacy BCU hardware drops back-to-back frames.
	defaultSpacing = 30 * time.Millisecond

	// defaultResponseTimeout bounds the wait for a confirm.
	defaultResponseTimeout = time.Second
)

// Port is the byte link a Switcher drives, typically a serial
// connection to the BCU. The handler passed to OnFrame owns the
// slices it receives.
type Port interface {
	Send(frame []byte) error
	OnFrame(handler func(frame []byte))
	Close() error
}

// Mode is an operating mode of the device's bus interface.
type Mode uint8

const (
	// Normal restores the state the device was in before the first
	// switch. When that state was never captured, the device is reset
	// instead.
	Normal Mode = iota

	// LinkLayer exchanges L_Data frames.
	LinkLayer

	// Busmonitor passively captures raw bus traffic.
	Busmonitor

	// ExtBusmonitor is busmonitor with extended frame support. Only
	// cEMI servers can express it.
	ExtBusmonitor
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case LinkLayer:
		return "link layer"
	case Busmonitor:
		return "busmonitor"
	case ExtBusmonitor:
		return "extended busmonitor"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Config configures a Switcher.
type Config struct {
	// Port carries frames to the device. The switcher owns it and
	// closes it when the switcher closes.
	Port Port

	// CEMI selects the cEMI device management dialect instead of raw
	// EMI1 value frames.
	CEMI bool

	// Spacing is the minimum gap between two transmissions. Defaults
	// to 30ms.
	Spacing time.Duration

	// ResponseTimeout bounds the wait for a confirm frame. Defaults
	// to 1s.
	ResponseTimeout time.Duration

	// LoggerFactory provides the logger. Defaults to the pion default
	// factory.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) validate() error {
	if c.Port == nil {
		return errors.New("bcu: config needs a port")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Spacing == 0 {
		c.Spacing = defaultSpacing
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = defaultResponseTimeout
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Switcher brings a device into a known operating mode and back. It
// issues one request at a time: a single response slot, not a queue,
// holds the confirm, so public operations serialize on an operation
// lock instead of interleaving.
type Switcher struct {
	port    Port
	log     logging.LeveledLogger
	cemi    bool
	spacing time.Duration
	timeout time.Duration

	// opMu serializes whole request/confirm cycles. Matching confirms
	// by message code alone is only sound while at most one request
	// is outstanding.
	opMu sync.Mutex

	mu        sync.Mutex
	lastSend  time.Time
	mode      Mode
	sysState  byte
	haveState bool

	respCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSwitcher wires a Switcher to the port. The device is not touched
// until the first SwitchTo or Reset.
func NewSwitcher(config Config) (*Switcher, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	s := &Switcher{
		port:    config.Port,
		log:     config.LoggerFactory.NewLogger("knx-bcu"),
		cemi:    config.CEMI,
		spacing: config.Spacing,
		timeout: config.ResponseTimeout,
		respCh:  make(chan []byte, 1),
		closed:  make(chan struct{}),
	}
	s.port.OnFrame(s.handleFrame)
	return s, nil
}

// SwitchTo drives the device into mode. On EMI1 devices the bring-up
// is a best-effort step sequence: steps that fail are logged and
// skipped, and the switch completes with whatever the device
// accepted. Only a closed port or an inexpressible mode aborts. On
// cEMI servers the single property write must be confirmed.
func (s *Switcher) SwitchTo(mode Mode) error {
	switch mode {
	case Normal, LinkLayer, Busmonitor, ExtBusmonitor:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, mode)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	select {
	case <-s.closed:
		return ErrPortClosed
	default:
	}

	var err error
	if s.cemi {
		err = s.switchCEMI(mode)
	} else {
		err = s.switchEMI1(mode)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	s.log.Infof("device in %s mode", mode)
	return nil
}

// Mode returns the mode of the last completed switch.
func (s *Switcher) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Reset reboots the device. There is no confirm; the caller must wait
// out the device's settle time before issuing further requests.
func (s *Switcher) Reset() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var frame []byte
	if s.cemi {
		frame = []byte{byte(cemi.MResetReq)}
	} else {
		var err error
		frame, err = setFrame(addrSystemState, []byte{stateReset})
		if err != nil {
			return err
		}
	}
	if err := s.write(frame); err != nil {
		return err
	}

	// The device boots into its default state; anything captured
	// before the reset no longer applies.
	s.mu.Lock()
	s.mode = Normal
	s.haveState = false
	s.mu.Unlock()
	return nil
}

// Close releases the port. Any blocked waiter unblocks with
// ErrPortClosed.
func (s *Switcher) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.port.Close(); err != nil {
			s.log.Debugf("port close: %v", err)
		}
	})
	return nil
}

func (s *Switcher) handleFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	select {
	case s.respCh <- frame:
	default:
		s.log.Debugf("dropping frame 0x%02x, response slot occupied", frame[0])
	}
}

// write transmits a frame, first sleeping out the remainder of the
// interframe gap.
func (s *Switcher) write(frame []byte) error {
	s.mu.Lock()
	wait := s.spacing - time.Since(s.lastSend)
	s.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}

	select {
	case <-s.closed:
		return ErrPortClosed
	default:
	}
	if err := s.port.Send(frame); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	return nil
}

// request transmits a frame and waits for the confirm carrying
// wantCode. Confirms are matched by message code alone, which the
// operation lock makes unambiguous.
func (s *Switcher) request(frame []byte, wantCode byte) ([]byte, error) {
	// Drop a confirm left behind by a request that timed out.
	select {
	case stale := <-s.respCh:
		s.log.Debugf("discarding stale frame 0x%02x", stale[0])
	default:
	}

	if err := s.write(frame); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, fmt.Errorf("confirm 0x%02x: %w", wantCode, ErrTimeout)
		}
		timer := time.NewTimer(remain)
		select {
		case f := <-s.respCh:
			timer.Stop()
			if f[0] != wantCode {
				s.log.Debugf("ignoring frame 0x%02x while waiting on 0x%02x", f[0], wantCode)
				continue
			}
			return f, nil
		case <-timer.C:
			return nil, fmt.Errorf("confirm 0x%02x: %w", wantCode, ErrTimeout)
		case <-s.closed:
			timer.Stop()
			return nil, ErrPortClosed
		}
	}
}

// read fetches n bytes of BCU memory at addr.
func (s *Switcher) read(addr uint16, n int) ([]byte, error) {
	frame, err := s.request(getFrame(addr, n), getValueCon)
	if err != nil {
		return nil, err
	}
	return valueData(frame)
}

// writeVerify writes data to addr and compares a readback. A
// mismatch is logged, not returned; transport and timeout failures
// are.
func (s *Switcher) writeVerify(addr uint16, data []byte) error {
	frame, err := setFrame(addr, data)
	if err != nil {
		return err
	}
	if err := s.write(frame); err != nil {
		return err
	}
	got, err := s.read(addr, len(data))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, data) {
		s.log.Warnf("readback of 0x%04x returned % x, wrote % x", addr, got, data)
	}
	return nil
}

// switchEMI1 runs the BCU1 bring-up sequence. Each step stands on its
// own: a failure is recorded and the next step still runs, so a
// device that answers only part of the sequence still ends up in the
// requested mode if the state write itself went through.
func (s *Switcher) switchEMI1(mode Mode) error {
	if mode == ExtBusmonitor {
		return fmt.Errorf("%w: %s needs a cEMI server", ErrUnsupported, mode)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"read system state", func() error {
			state, err := s.read(addrSystemState, 1)
			if err != nil {
				return err
			}
			if len(state) < 1 {
				return fmt.Errorf("%w: empty system state", ErrFormat)
			}
			s.mu.Lock()
			if !s.haveState {
				s.sysState = state[0]
				s.haveState = true
			}
			s.mu.Unlock()
			return nil
		}},
		{"switch system state", func() error {
			return s.writeVerify(addrSystemState, []byte{s.stateValue(mode)})
		}},
		{"read PEI type", func() error {
			pei, err := s.read(addrPEIType, 1)
			if err != nil {
				return err
			}
			if len(pei) > 0 {
				s.log.Debugf("PEI type %d", pei[0])
			}
			return nil
		}},
		{"read individual address", func() error {
			raw, err := s.read(addrIndividual, 2)
			if err != nil {
				return err
			}
			if len(raw) < 2 {
				return fmt.Errorf("%w: address needs 2 bytes, have %d", ErrFormat, len(raw))
			}
			addr := cemi.IndividualAddr(binary.BigEndian.Uint16(raw))
			s.log.Debugf("individual address %s", addr)
			return nil
		}},
	}

	var failed []string
	for _, step := range steps {
		err := step.run()
		if err == nil {
			continue
		}
		if errors.Is(err, ErrPortClosed) {
			return err
		}
		s.log.Warnf("%s: %v", step.name, err)
		failed = append(failed, step.name)
	}
	if len(failed) > 0 {
		s.log.Warnf("bring-up finished with %d of %d steps failed: %s",
			len(failed), len(steps), strings.Join(failed, ", "))
	}
	return nil
}

// stateValue maps a mode to the system state byte written to the BCU.
func (s *Switcher) stateValue(mode Mode) byte {
	switch mode {
	case LinkLayer:
		return stateLinkLayer
	case Busmonitor:
		return stateBusmonitor
	}
	// Normal restores the state captured before the first switch. A
	// reset is the only way back when bring-up never read it.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveState {
		return s.sysState
	}
	return stateReset
}

// switchCEMI selects the communication mode through the cEMI server
// object. Unlike the EMI1 sequence this is a single confirmed write;
// a failed or missing confirm aborts the switch.
func (s *Switcher) switchCEMI(mode Mode) error {
	commMode := cemi.CommModeLinkLayer
	if mode == Busmonitor || mode == ExtBusmonitor {
		commMode = cemi.CommModeBusmonitor
	}

	req := cemi.NewPropWrite(cemi.CEMIServerObject, 1, cemi.PIDCommMode, 1, 1, []byte{commMode})
	frame, err := s.request(req, byte(cemi.MPropWriteCon))
	if err != nil {
		return err
	}
	con, err := cemi.DecodeProp(cemi.Frame(frame))
	if err != nil {
		return err
	}
	if con.Failed() {
		code := byte(0)
		if len(con.Data) > 0 {
			code = con.Data[0]
		}
		return fmt.Errorf("bcu: communication mode write failed with code 0x%02x", code)
	}
	return nil
}

package bcu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/backkem/knx/pkg/cemi"
)

// fakeBCU emulates the device end of a port. It answers value
// requests from a small memory image and records every frame the
// switcher transmits.
type fakeBCU struct {
	mu      sync.Mutex
	mem     map[uint16][]byte
	handler func([]byte)
	sent    [][]byte
	sentAt  []time.Time

	muteAll      bool            // answer nothing at all
	quiet        map[uint16]bool // addresses whose reads go unanswered
	ignoreWrites bool            // accept set-values without applying them
	failProp     byte            // non-zero: fail property writes with this code
	props        []*cemi.Prop
	closed       bool
}

func newFakeBCU() *fakeBCU {
	return &fakeBCU{
		mem: map[uint16][]byte{
			addrSystemState: {0x00},
			addrPEIType:     {0x10},
			addrIndividual:  {0x11, 0x0A}, // 1.1.10
		},
		quiet: make(map[uint16]bool),
	}
}

func (f *fakeBCU) Send(frame []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("fake port closed")
	}
	cp := append([]byte(nil), frame...)
	f.sent = append(f.sent, cp)
	f.sentAt = append(f.sentAt, time.Now())
	var reply []byte
	if !f.muteAll {
		reply = f.answer(cp)
	}
	handler := f.handler
	f.mu.Unlock()

	if reply != nil && handler != nil {
		go handler(reply)
	}
	return nil
}

// answer runs under f.mu.
func (f *fakeBCU) answer(frame []byte) []byte {
	if len(frame) == 0 {
		return nil
	}
	switch frame[0] {
	case getValueReq:
		if len(frame) < valueHeaderSize {
			return nil
		}
		addr := binary.BigEndian.Uint16(frame[2:])
		if f.quiet[addr] {
			return nil
		}
		data := f.mem[addr]
		if n := int(frame[1]); len(data) > n {
			data = data[:n]
		}
		con := make([]byte, valueHeaderSize+len(data))
		con[0] = getValueCon
		con[1] = byte(len(data))
		binary.BigEndian.PutUint16(con[2:], addr)
		copy(con[valueHeaderSize:], data)
		return con

	case setValueReq:
		if len(frame) < valueHeaderSize {
			return nil
		}
		addr := binary.BigEndian.Uint16(frame[2:])
		n := int(frame[1])
		if !f.ignoreWrites && len(frame) >= valueHeaderSize+n {
			f.mem[addr] = append([]byte(nil), frame[valueHeaderSize:valueHeaderSize+n]...)
		}
		return nil // set-value has no confirm

	case byte(cemi.MPropWriteReq):
		req, err := cemi.DecodeProp(cemi.Frame(frame))
		if err != nil {
			return nil
		}
		f.props = append(f.props, req)
		con := *req
		con.Code = cemi.MPropWriteCon
		con.Data = nil
		if f.failProp != 0 {
			con.Elements = 0
			con.StartIndex = 0
			con.Data = []byte{f.failProp}
		}
		return con.Encode()
	}
	return nil
}

func (f *fakeBCU) OnFrame(handler func([]byte)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeBCU) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// push delivers an unsolicited frame to the switcher.
func (f *fakeBCU) push(frame []byte) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(frame)
	}
}

func (f *fakeBCU) setMem(addr uint16, data []byte) {
	f.mu.Lock()
	f.mem[addr] = append([]byte(nil), data...)
	f.mu.Unlock()
}

func (f *fakeBCU) memAt(addr uint16) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.mem[addr]...)
}

func (f *fakeBCU) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeBCU) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.sentAt))
	copy(out, f.sentAt)
	return out
}

func (f *fakeBCU) propWrites() []*cemi.Prop {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*cemi.Prop, len(f.props))
	copy(out, f.props)
	return out
}

func newTestSwitcher(t *testing.T, dev *fakeBCU, configure func(*Config)) *Switcher {
	t.Helper()
	cfg := Config{
		Port:            dev,
		Spacing:         time.Millisecond,
		ResponseTimeout: 500 * time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}
	s, err := NewSwitcher(cfg)
	if err != nil {
		t.Fatalf("new switcher: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSwitchToLinkLayer(t *testing.T) {
	dev := newFakeBCU()
	s := newTestSwitcher(t, dev, nil)

	if err := s.SwitchTo(LinkLayer); err != nil {
		t.Fatalf("switch to link layer: %v", err)
	}
	if got := dev.memAt(addrSystemState); !bytes.Equal(got, []byte{stateLinkLayer}) {
		t.Fatalf("system state % x, want %02x", got, stateLinkLayer)
	}
	if got := s.Mode(); got != LinkLayer {
		t.Fatalf("mode %s, want link layer", got)
	}

	want := [][]byte{
		{getValueReq, 1, 0x00, 0x60},
		{setValueReq, 1, 0x00, 0x60, stateLinkLayer},
		{getValueReq, 1, 0x00, 0x60},
		{getValueReq, 1, 0x00, 0x49},
		{getValueReq, 2, 0x01, 0x17},
	}
	frames := dev.frames()
	if len(frames) != len(want) {
		t.Fatalf("device saw %d frames, want %d", len(frames), len(want))
	}
	for i := range want {
		if !bytes.Equal(frames[i], want[i]) {
			t.Fatalf("frame %d is % x, want % x", i, frames[i], want[i])
		}
	}
}

func TestSwitchNormalRestoresState(t *testing.T) {
	dev := newFakeBCU()
	dev.setMem(addrSystemState, []byte{0x26})
	s := newTestSwitcher(t, dev, nil)

	if err := s.SwitchTo(Busmonitor); err != nil {
		t.Fatalf("switch to busmonitor: %v", err)
	}
	if got := dev.memAt(addrSystemState); !bytes.Equal(got, []byte{stateBusmonitor}) {
		t.Fatalf("system state % x, want %02x", got, stateBusmonitor)
	}

	if err := s.SwitchTo(Normal); err != nil {
		t.Fatalf("switch to normal: %v", err)
	}
	if got := dev.memAt(addrSystemState); !bytes.Equal(got, []byte{0x26}) {
		t.Fatalf("system state % x, want the captured 26", got)
	}
	if got := s.Mode(); got != Normal {
		t.Fatalf("mode %s, want normal", got)
	}
}

func TestNormalWithoutCaptureResets(t *testing.T) {
	dev := newFakeBCU()
	dev.muteAll = true
	s := newTestSwitcher(t, dev, func(cfg *Config) {
		cfg.ResponseTimeout = 40 * time.Millisecond
	})

	// With the device silent nothing can be captured; the bring-up
	// still completes and falls back to the reset code.
	if err := s.SwitchTo(Normal); err != nil {
		t.Fatalf("switch to normal: %v", err)
	}

	var set []byte
	for _, f := range dev.frames() {
		if len(f) > 0 && f[0] == setValueReq {
			set = f
			break
		}
	}
	if set == nil {
		t.Fatal("no set-value reached the device")
	}
	if want := []byte{setValueReq, 1, 0x00, 0x60, stateReset}; !bytes.Equal(set, want) {
		t.Fatalf("set-value % x, want % x", set, want)
	}
}

func TestBringUpPartialFailureIsSoft(t *testing.T) {
	dev := newFakeBCU()
	dev.quiet[addrPEIType] = true
	dev.quiet[addrIndividual] = true
	s := newTestSwitcher(t, dev, func(cfg *Config) {
		cfg.ResponseTimeout = 40 * time.Millisecond
	})

	if err := s.SwitchTo(Busmonitor); err != nil {
		t.Fatalf("switch to busmonitor: %v", err)
	}
	if got := dev.memAt(addrSystemState); !bytes.Equal(got, []byte{stateBusmonitor}) {
		t.Fatalf("system state % x, want %02x", got, stateBusmonitor)
	}
	if got := s.Mode(); got != Busmonitor {
		t.Fatalf("mode %s, want busmonitor", got)
	}
}

func TestWriteSpacing(t *testing.T) {
	dev := newFakeBCU()
	s := newTestSwitcher(t, dev, func(cfg *Config) {
		cfg.Spacing = 50 * time.Millisecond
	})

	if err := s.Reset(); err != nil {
		t.Fatalf("first reset: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("second reset: %v", err)
	}

	times := dev.times()
	if len(times) != 2 {
		t.Fatalf("device saw %d frames, want 2", len(times))
	}
	if gap := times[1].Sub(times[0]); gap < 50*time.Millisecond {
		t.Fatalf("frames %v apart, want at least the 50ms spacing", gap)
	}
}

func TestReadTimeout(t *testing.T) {
	dev := newFakeBCU()
	dev.muteAll = true
	s := newTestSwitcher(t, dev, func(cfg *Config) {
		cfg.ResponseTimeout = 40 * time.Millisecond
	})

	start := time.Now()
	_, err := s.read(addrPEIType, 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("timed out after %v, before the deadline", elapsed)
	}
}

func TestRequestIgnoresWrongCode(t *testing.T) {
	dev := newFakeBCU()
	dev.muteAll = true
	s := newTestSwitcher(t, dev, nil)

	got := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		data, err := s.read(addrPEIType, 1)
		if err != nil {
			errCh <- err
			return
		}
		got <- data
	}()

	time.Sleep(20 * time.Millisecond)
	dev.push([]byte{byte(cemi.LDataInd), 0x00}) // bus noise
	dev.push([]byte{getValueCon, 1, 0x00, 0x49, 0x10})

	select {
	case data := <-got:
		if !bytes.Equal(data, []byte{0x10}) {
			t.Fatalf("read % x, want 10", data)
		}
	case err := <-errCh:
		t.Fatalf("read: %v", err)
	case <-time.After(time.Second):
		t.Fatal("read did not return")
	}
}

func TestCloseUnblocksWait(t *testing.T) {
	dev := newFakeBCU()
	dev.muteAll = true
	s := newTestSwitcher(t, dev, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.read(addrPEIType, 1)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPortClosed) {
			t.Fatalf("got %v, want ErrPortClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not unblock the read")
	}

	if err := s.SwitchTo(LinkLayer); !errors.Is(err, ErrPortClosed) {
		t.Fatalf("switch after close: %v, want ErrPortClosed", err)
	}
}

func TestWriteVerifyMismatchIsSoft(t *testing.T) {
	dev := newFakeBCU()
	dev.ignoreWrites = true
	s := newTestSwitcher(t, dev, nil)

	if err := s.writeVerify(addrSystemState, []byte{stateLinkLayer}); err != nil {
		t.Fatalf("write verify: %v", err)
	}
	if got := dev.memAt(addrSystemState); !bytes.Equal(got, []byte{0x00}) {
		t.Fatalf("system state % x, the device should have ignored the write", got)
	}
}

func TestSwitchCEMI(t *testing.T) {
	dev := newFakeBCU()
	s := newTestSwitcher(t, dev, func(cfg *Config) {
		cfg.CEMI = true
	})

	if err := s.SwitchTo(Busmonitor); err != nil {
		t.Fatalf("switch to busmonitor: %v", err)
	}
	if err := s.SwitchTo(LinkLayer); err != nil {
		t.Fatalf("switch to link layer: %v", err)
	}
	if err := s.SwitchTo(ExtBusmonitor); err != nil {
		t.Fatalf("switch to extended busmonitor: %v", err)
	}
	if got := s.Mode(); got != ExtBusmonitor {
		t.Fatalf("mode %s, want extended busmonitor", got)
	}

	writes := dev.propWrites()
	if len(writes) != 3 {
		t.Fatalf("device saw %d property writes, want 3", len(writes))
	}
	wantData := [][]byte{
		{cemi.CommModeBusmonitor},
		{cemi.CommModeLinkLayer},
		{cemi.CommModeBusmonitor},
	}
	for i, w := range writes {
		if w.ObjectType != cemi.CEMIServerObject || w.Property != cemi.PIDCommMode {
			t.Fatalf("write %d targets object %d property %d", i, w.ObjectType, w.Property)
		}
		if w.Elements != 1 || w.StartIndex != 1 {
			t.Fatalf("write %d has elements %d start %d", i, w.Elements, w.StartIndex)
		}
		if !bytes.Equal(w.Data, wantData[i]) {
			t.Fatalf("write %d carries % x, want % x", i, w.Data, wantData[i])
		}
	}
}

func TestSwitchCEMIWriteFailed(t *testing.T) {
	dev := newFakeBCU()
	dev.failProp = 0x07
	s := newTestSwitcher(t, dev, func(cfg *Config) {
		cfg.CEMI = true
	})

	if err := s.SwitchTo(LinkLayer); err == nil {
		t.Fatal("switch succeeded against a failing property write")
	}
	if got := s.Mode(); got != Normal {
		t.Fatalf("mode %s after failed switch, want normal", got)
	}
}

func TestExtBusmonitorOnEMI1(t *testing.T) {
	dev := newFakeBCU()
	s := newTestSwitcher(t, dev, nil)

	err := s.SwitchTo(ExtBusmonitor)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
	if n := len(dev.frames()); n != 0 {
		t.Fatalf("device saw %d frames, want none", n)
	}
}

func TestResetFrames(t *testing.T) {
	dev := newFakeBCU()
	s := newTestSwitcher(t, dev, nil)
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	frames := dev.frames()
	if len(frames) != 1 {
		t.Fatalf("device saw %d frames, want 1", len(frames))
	}
	if want := []byte{setValueReq, 1, 0x00, 0x60, stateReset}; !bytes.Equal(frames[0], want) {
		t.Fatalf("reset frame % x, want % x", frames[0], want)
	}

	cdev := newFakeBCU()
	cs := newTestSwitcher(t, cdev, func(cfg *Config) {
		cfg.CEMI = true
	})
	if err := cs.Reset(); err != nil {
		t.Fatalf("cEMI reset: %v", err)
	}
	cframes := cdev.frames()
	if len(cframes) != 1 || !bytes.Equal(cframes[0], []byte{byte(cemi.MResetReq)}) {
		t.Fatalf("cEMI reset sent % x", cframes)
	}
}

func TestValueFrameLimits(t *testing.T) {
	if _, err := setFrame(addrSystemState, make([]byte, 16)); !errors.Is(err, ErrFormat) {
		t.Fatalf("oversize set-value: %v, want ErrFormat", err)
	}
	if _, err := valueData([]byte{getValueCon, 1, 0x00}); !errors.Is(err, ErrFormat) {
		t.Fatalf("short frame: %v, want ErrFormat", err)
	}
	if _, err := valueData([]byte{getValueCon, 5, 0x00, 0x60, 0x01}); !errors.Is(err, ErrFormat) {
		t.Fatalf("truncated frame: %v, want ErrFormat", err)
	}

	data, err := valueData([]byte{getValueCon, 2, 0x01, 0x17, 0x11, 0x0A})
	if err != nil {
		t.Fatalf("value data: %v", err)
	}
	if !bytes.Equal(data, []byte{0x11, 0x0A}) {
		t.Fatalf("value data % x", data)
	}
}

func TestSwitcherConfigValidation(t *testing.T) {
	if _, err := NewSwitcher(Config{}); err == nil {
		t.Fatal("switcher without a port")
	}

	dev := newFakeBCU()
	s := newTestSwitcher(t, dev, nil)
	if err := s.SwitchTo(Mode(9)); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("unknown mode: %v, want ErrUnsupported", err)
	}
	if got := Mode(9).String(); got != "Mode(9)" {
		t.Fatalf("mode string %q", got)
	}
}

package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition simulates an imperfect link. Conditions apply to
// frames sent by the endpoint they are set on, so loss can be
// injected per direction.
type NetworkCondition struct {
	// DropRate is the probability of dropping a frame (0.0 - 1.0).
	DropRate float64

	// DelayMin and DelayMax bound a uniformly distributed delay added
	// to each frame before it is handed to the bridge.
	DelayMin time.Duration
	DelayMax time.Duration

	// DuplicateRate is the probability of sending a frame twice
	// (0.0 - 1.0).
	DuplicateRate float64
}

// pipePair is the state shared by both endpoints: the bridge, the
// delivery goroutine and the common close path.
type pipePair struct {
	bridge *test.Bridge
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// tick moves queued frames across the bridge until both directions
// are drained.
func (p *pipePair) tick() {
	for p.bridge.Tick() > 0 {
	}
}

func (p *pipePair) close() {
	p.once.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		// Deliver frames queued before the close, the way a stream
		// flushes on shutdown.
		p.tick()
		p.bridge.GetConn0().Close()
		p.bridge.GetConn1().Close()
	})
}

// PipeTransport is one endpoint of an in-memory transport pair. It
// reports Reliable() == false so connections on it exercise their
// full acknowledge machinery, which is exactly what pipe-based tests
// are for.
type PipeTransport struct {
	conn net.Conn
	pair *pipePair
	id   int
	rng  *rand.Rand
	wg   sync.WaitGroup

	mu      sync.RWMutex
	handler Handler
	cond    NetworkCondition
	closed  bool
}

// Pipe creates a connected in-memory transport pair. Frames are
// delivered by a background goroutine; tests that need full control
// over delivery order use PipeManual.
func Pipe() (*PipeTransport, *PipeTransport) {
	a, b, pair := newPipePair()

	pair.wg.Add(1)
	go func() {
		defer pair.wg.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pair.stopCh:
				return
			case <-ticker.C:
				pair.tick()
			}
		}
	}()

	return a, b
}

// PipeManual creates a pair whose frames sit in the bridge until
// Flush is called on either endpoint.
func PipeManual() (*PipeTransport, *PipeTransport) {
	a, b, _ := newPipePair()
	return a, b
}

func newPipePair() (*PipeTransport, *PipeTransport, *pipePair) {
	pair := &pipePair{
		bridge: test.NewBridge(),
		stopCh: make(chan struct{}),
	}
	a := newPipeEndpoint(pair, 0)
	b := newPipeEndpoint(pair, 1)
	return a, b, pair
}

func newPipeEndpoint(pair *pipePair, id int) *PipeTransport {
	conn := pair.bridge.GetConn0()
	if id == 1 {
		conn = pair.bridge.GetConn1()
	}
	p := &PipeTransport{
		conn: conn,
		pair: pair,
		id:   id,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
	p.wg.Add(1)
	go p.readLoop()
	return p
}

// SetCondition configures loss simulation for frames this endpoint
// sends.
func (p *PipeTransport) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	p.cond = cond
	p.mu.Unlock()
}

// Flush synchronously delivers every queued frame in both directions.
// Only useful with PipeManual.
func (p *PipeTransport) Flush() {
	p.pair.tick()
}

// Send queues one frame for the peer, subject to the configured
// network condition.
func (p *PipeTransport) Send(frame []byte) error {
	p.mu.RLock()
	closed := p.closed
	cond := p.cond
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if cond.DropRate > 0 && p.rng.Float64() < cond.DropRate {
		return nil
	}
	if cond.DelayMax > 0 {
		delay := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(p.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
		time.Sleep(delay)
	}
	if cond.DuplicateRate > 0 && p.rng.Float64() < cond.DuplicateRate {
		if _, err := p.conn.Write(frame); err != nil {
			return ErrClosed
		}
	}

	if _, err := p.conn.Write(frame); err != nil {
		return ErrClosed
	}
	return nil
}

// OnFrame sets the receive handler.
func (p *PipeTransport) OnFrame(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// LocalAddr returns this endpoint's address.
func (p *PipeTransport) LocalAddr() net.Addr { return pipeAddr(p.id) }

// RemoteAddr returns the peer endpoint's address.
func (p *PipeTransport) RemoteAddr() net.Addr { return pipeAddr(1 - p.id) }

// Reliable reports false so the acknowledge machinery runs.
func (p *PipeTransport) Reliable() bool { return false }

// Close tears down the whole pair; the peer endpoint observes its
// read loop ending. Close is idempotent.
func (p *PipeTransport) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.pair.close()
	p.wg.Wait()
	return nil
}

func (p *PipeTransport) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, MaxFrameSize)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		p.mu.RLock()
		h := p.handler
		p.mu.RUnlock()
		if h != nil {
			h(frame)
		}
	}
}

// pipeAddr is the address of a pipe endpoint.
type pipeAddr int

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return fmt.Sprintf("pipe:%d", int(a)) }

var (
	_ Transport = (*UDP)(nil)
	_ Transport = (*TCP)(nil)
	_ Transport = (*PipeTransport)(nil)
)

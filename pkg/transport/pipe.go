package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// NetworkCondition configures network behavior simulation.
// Use this to test protocol behavior under adverse network conditions.
type NetworkCondition struct {
	// DropRate is the probability of dropping a datagram (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each datagram.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each datagram.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration

	// DuplicateRate is the probability of duplicating a datagram (0.0 - 1.0).
	DuplicateRate float64

	// ReorderRate is the probability of reordering datagrams (0.0 - 1.0).
	// When triggered, the datagram is delayed by an additional ReorderDelay.
	ReorderRate float64

	// ReorderDelay is the additional delay for reordered datagrams.
	ReorderDelay time.Duration
}

// SendHook intercepts every datagram sent on a Pipe. from is the index (0 or 1)
// of the sending end. The hook calls deliver zero times to drop, once to pass,
// twice to duplicate, or later to reorder. When a hook is set, NetworkCondition
// is not applied.
type SendHook func(from int, b []byte, deliver func([]byte))

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// QueueSize bounds the receive queue of each end.
	// Default: DefaultQueueSize
	QueueSize int

	// Condition is the initial network condition.
	Condition NetworkCondition

	// Hook is an optional send hook.
	Hook SendHook

	// Seed seeds the condition simulator. Zero uses the current time.
	Seed int64
}

// Pipe connects two in-memory datagram channels through bounded queues.
// Use Pipe for deterministic tests without real network I/O.
type Pipe struct {
	ends [2]*PipeEnd

	mu        sync.RWMutex
	condition NetworkCondition
	hook      SendHook

	rngMu sync.Mutex
	rng   *rand.Rand

	closeOnce sync.Once
}

// NewPipe creates a pipe with default configuration.
func NewPipe() *Pipe {
	return NewPipeWithConfig(PipeConfig{})
}

// NewPipeWithConfig creates a pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	p := &Pipe{
		condition: config.Condition,
		hook:      config.Hook,
		rng:       rand.New(rand.NewSource(seed)),
	}
	for i := range p.ends {
		p.ends[i] = &PipeEnd{
			pipe:  p,
			id:    i,
			queue: newQueue(config.QueueSize),
		}
	}
	return p
}

// Conn0 returns the channel for end 0.
func (p *Pipe) Conn0() *PipeEnd {
	return p.ends[0]
}

// Conn1 returns the channel for end 1.
func (p *Pipe) Conn1() *PipeEnd {
	return p.ends[1]
}

// SetCondition configures network condition simulation.
// The conditions apply to datagrams in both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current network condition configuration.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// SetSendHook replaces the send hook. A nil hook restores condition simulation.
func (p *Pipe) SetSendHook(hook SendHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = hook
}

// Close closes both ends of the pipe.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.ends[0].Close()
		p.ends[1].Close()
	})
	return nil
}

// send routes a datagram from end `from` to its peer.
func (p *Pipe) send(from int, b []byte) {
	data := make([]byte, len(b))
	copy(data, b)

	to := p.ends[1-from]

	p.mu.RLock()
	hook := p.hook
	cond := p.condition
	p.mu.RUnlock()

	if hook != nil {
		hook(from, data, func(d []byte) {
			cp := make([]byte, len(d))
			copy(cp, d)
			to.deliver(cp)
		})
		return
	}

	if cond.DropRate > 0 && p.chance() < cond.DropRate {
		to.dropped.Add(1)
		return
	}

	copies := 1
	if cond.DuplicateRate > 0 && p.chance() < cond.DuplicateRate {
		copies = 2
	}

	delay := p.delay(cond)
	for i := 0; i < copies; i++ {
		d := data
		if i > 0 {
			d = append([]byte(nil), data...)
		}
		if delay > 0 {
			time.AfterFunc(delay, func() { to.deliver(d) })
		} else {
			to.deliver(d)
		}
	}
}

func (p *Pipe) delay(cond NetworkCondition) time.Duration {
	var delay time.Duration
	if cond.DelayMax > 0 {
		delay = cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			p.rngMu.Lock()
			delay += time.Duration(p.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
			p.rngMu.Unlock()
		}
	}
	if cond.ReorderRate > 0 && p.chance() < cond.ReorderRate {
		delay += cond.ReorderDelay
	}
	return delay
}

func (p *Pipe) chance() float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64()
}

// PipeEnd is one end of a Pipe. It implements Channel.
type PipeEnd struct {
	pipe  *Pipe
	id    int
	queue *queue

	sent      atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Send hands a datagram to the peer end.
func (e *PipeEnd) Send(b []byte) error {
	if e.queue.isClosed() {
		return ErrClosed
	}
	if len(b) > MaxDatagramSize {
		return ErrMessageTooLarge
	}
	e.sent.Add(1)
	e.pipe.send(e.id, b)
	return nil
}

// Receive waits up to timeout for the next datagram.
func (e *PipeEnd) Receive(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	return e.queue.pop(ctx, b, timeout)
}

// Close closes this end. The peer end stays open; its sends are dropped.
func (e *PipeEnd) Close() error {
	e.queue.close()
	return nil
}

// LocalAddr returns this end's address.
func (e *PipeEnd) LocalAddr() net.Addr {
	return PipeAddr{ID: e.id}
}

// RemoteAddr returns the peer end's address.
func (e *PipeEnd) RemoteAddr() net.Addr {
	return PipeAddr{ID: 1 - e.id}
}

// Sent returns the number of datagrams passed to Send on this end.
func (e *PipeEnd) Sent() uint64 {
	return e.sent.Load()
}

// Delivered returns the number of datagrams queued for this end.
func (e *PipeEnd) Delivered() uint64 {
	return e.delivered.Load()
}

// Dropped returns the number of datagrams addressed to this end that were lost.
func (e *PipeEnd) Dropped() uint64 {
	return e.dropped.Load()
}

// Pending returns the number of datagrams waiting to be received.
func (e *PipeEnd) Pending() int {
	return e.queue.len()
}

func (e *PipeEnd) deliver(d []byte) {
	if e.queue.push(d) {
		e.delivered.Add(1)
	} else {
		e.dropped.Add(1)
	}
}

// PipeAddr implements net.Addr for pipe ends.
type PipeAddr struct {
	ID int // End index (0 or 1)
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", a.ID) }

// Verify PipeEnd implements Channel.
var _ Channel = (*PipeEnd)(nil)

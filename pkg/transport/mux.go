package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// MatchFunc reports whether a datagram belongs to an endpoint.
type MatchFunc func(b []byte) bool

// MatchRange matches datagrams whose first byte lies in [lower, upper].
func MatchRange(lower, upper byte) MatchFunc {
	return func(b []byte) bool {
		if len(b) < 1 {
			return false
		}
		return b[0] >= lower && b[0] <= upper
	}
}

// First-byte classes for multiplexing handshake and media on one socket (RFC 7983).
var (
	// MatchHandshake matches handshake and alert records.
	MatchHandshake = MatchRange(20, 63)

	// MatchSRTP matches RTP and RTCP packets.
	MatchSRTP = MatchRange(128, 191)
)

// muxPollInterval bounds each underlying Receive in the read loop.
const muxPollInterval = 200 * time.Millisecond

// MuxConfig configures a Mux.
type MuxConfig struct {
	// Conn is the underlying channel. Required. The Mux owns it.
	Conn Channel

	// QueueSize bounds each endpoint's receive queue.
	// Default: DefaultQueueSize
	QueueSize int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Mux splits one Channel into several endpoints. A read loop receives each
// datagram and hands it to the first endpoint whose MatchFunc accepts it.
// All endpoints share the underlying send path.
type Mux struct {
	conn      Channel
	queueSize int
	log       logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	endpoints []*MuxEndpoint
	started   bool
	closed    bool
}

// NewMux creates a Mux over config.Conn. Call Start to begin dispatching.
func NewMux(config MuxConfig) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		conn:      config.Conn,
		queueSize: config.QueueSize,
		ctx:       ctx,
		cancel:    cancel,
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("transport-mux")
	}
	return m
}

// NewEndpoint registers an endpoint for datagrams accepted by match.
// Endpoints are consulted in registration order.
func (m *Mux) NewEndpoint(match MatchFunc) *MuxEndpoint {
	e := &MuxEndpoint{
		mux:   m,
		match: match,
		queue: newQueue(m.queueSize),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		e.queue.close()
		return e
	}
	m.endpoints = append(m.endpoints, e)
	return e
}

// Start begins the read loop.
func (m *Mux) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop()
	return nil
}

// Close stops the read loop, closes the underlying channel and every endpoint.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	endpoints := m.endpoints
	m.endpoints = nil
	m.mu.Unlock()

	m.cancel()
	err := m.conn.Close()
	m.wg.Wait()

	for _, e := range endpoints {
		e.queue.close()
	}
	return err
}

func (m *Mux) readLoop() {
	defer m.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, err := m.conn.Receive(m.ctx, buf, muxPollInterval)
		switch err {
		case nil:
		case ErrTimeout:
			continue
		default:
			if m.log != nil && m.ctx.Err() == nil {
				m.log.Debugf("read loop exiting: %v", err)
			}
			m.closeEndpoints()
			return
		}

		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		m.dispatch(data)
	}
}

func (m *Mux) dispatch(data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.endpoints {
		if e.match(data) {
			if !e.queue.push(data) && m.log != nil {
				m.log.Debugf("endpoint queue full, dropping %d bytes", len(data))
			}
			return
		}
	}

	if m.log != nil {
		m.log.Debugf("%v: first byte %d, %d bytes", ErrNoEndpoint, data[0], len(data))
	}
}

// closeEndpoints closes every endpoint queue after the underlying channel failed.
func (m *Mux) closeEndpoints() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.endpoints {
		e.queue.close()
	}
}

func (m *Mux) remove(e *MuxEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.endpoints {
		if cur == e {
			m.endpoints = append(m.endpoints[:i], m.endpoints[i+1:]...)
			return
		}
	}
}

// MuxEndpoint is one demultiplexed view of a Mux. It implements Channel.
type MuxEndpoint struct {
	mux   *Mux
	match MatchFunc
	queue *queue
}

// Send writes a datagram on the shared underlying channel.
func (e *MuxEndpoint) Send(b []byte) error {
	if e.queue.isClosed() {
		return ErrClosed
	}
	return e.mux.conn.Send(b)
}

// Receive waits up to timeout for the next datagram routed to this endpoint.
func (e *MuxEndpoint) Receive(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	return e.queue.pop(ctx, b, timeout)
}

// Close detaches the endpoint from the Mux. The underlying channel stays open.
func (e *MuxEndpoint) Close() error {
	e.mux.remove(e)
	e.queue.close()
	return nil
}

// LocalAddr returns the underlying channel's local address.
func (e *MuxEndpoint) LocalAddr() net.Addr {
	return e.mux.conn.LocalAddr()
}

// RemoteAddr returns the underlying channel's remote address.
func (e *MuxEndpoint) RemoteAddr() net.Addr {
	return e.mux.conn.RemoteAddr()
}

// Verify MuxEndpoint implements Channel.
var _ Channel = (*MuxEndpoint)(nil)

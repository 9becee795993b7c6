package handshake

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/backkem/dtlssrtp/pkg/transport"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/deadline"
)

// pollInterval bounds each channel read so deadlines set mid-read are seen.
const pollInterval = time.Second

// packetConn presents a Channel to the DTLS stack as a net.PacketConn and
// watches the cleartext records crossing it. Closing it detaches the driver
// from the channel without closing the channel: once Close returns, no read
// is in progress and none will start.
type packetConn struct {
	ch        transport.Channel
	raddr     net.Addr
	initiator bool
	log       logging.LeveledLogger

	readDeadline *deadline.Deadline
	detached     context.Context
	detach       context.CancelFunc
	reads        sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	muted   bool
	flight  uint8
	alert   *alertError
	chanErr error
}

func newPacketConn(ch transport.Channel, initiator bool, log logging.LeveledLogger) *packetConn {
	raddr := ch.RemoteAddr()
	if raddr == nil {
		raddr = channelAddr(transport.ChannelEndpoint(ch).String())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &packetConn{
		ch:           ch,
		raddr:        raddr,
		initiator:    initiator,
		log:          log,
		readDeadline: deadline.New(),
		detached:     ctx,
		detach:       cancel,
	}
}

// ReadFrom reads one datagram from the channel.
func (c *packetConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	c.reads.Add(1)
	c.mu.Unlock()
	defer c.reads.Done()

	ctx, cancel := context.WithCancel(c.readDeadline)
	defer cancel()
	stop := context.AfterFunc(c.detached, cancel)
	defer stop()

	for {
		n, err := c.ch.Receive(ctx, b, pollInterval)
		switch {
		case err == nil:
			c.observe(b[:n], false)
			return n, c.raddr, nil
		case errors.Is(err, transport.ErrTimeout):
			continue
		case c.detached.Err() != nil:
			return 0, nil, net.ErrClosed
		case ctx.Err() != nil:
			return 0, nil, os.ErrDeadlineExceeded
		default:
			c.setChanErr(err)
			return 0, nil, err
		}
	}
}

// WriteTo sends one datagram. Once muted, writes are swallowed.
func (c *packetConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	closed, muted := c.closed, c.muted
	c.mu.Unlock()

	switch {
	case closed:
		return 0, net.ErrClosed
	case muted:
		return len(b), nil
	}

	c.observe(b, true)
	if err := c.ch.Send(b); err != nil {
		c.setChanErr(err)
		return 0, err
	}
	return len(b), nil
}

// Close detaches from the channel and waits for reads in progress to return.
func (c *packetConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.detach()
	c.reads.Wait()
	return nil
}

// mute swallows later writes, so closing the DTLS connection leaves nothing
// in the channel for whoever reads it next.
func (c *packetConn) mute() {
	c.mu.Lock()
	c.muted = true
	c.mu.Unlock()
}

func (c *packetConn) LocalAddr() net.Addr {
	if a := c.ch.LocalAddr(); a != nil {
		return a
	}
	return channelAddr("local")
}

func (c *packetConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *packetConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	return nil
}

// SetWriteDeadline is a no-op: channel sends never block.
func (c *packetConn) SetWriteDeadline(time.Time) error {
	return nil
}

// observe tracks the handshake's progress and the first fatal alert.
func (c *packetConn) observe(b []byte, sent bool) {
	records := inspect(b)
	flight := flightOf(records, sent == c.initiator)
	a := fatalAlert(records)

	c.mu.Lock()
	if flight > c.flight {
		c.flight = flight
	}
	if a != nil && c.alert == nil {
		c.alert = &alertError{description: a.Description, fromPeer: !sent}
	}
	c.mu.Unlock()

	if c.log == nil {
		return
	}
	dir := "received"
	if sent {
		dir = "sent"
	}
	switch {
	case a != nil:
		c.log.Debugf("%s fatal alert %v", dir, a.Description)
	case flight != 0:
		c.log.Tracef("%s flight %d (%d records, %d bytes)", dir, flight, len(records), len(b))
	}
}

func (c *packetConn) setChanErr(err error) {
	c.mu.Lock()
	if c.chanErr == nil {
		c.chanErr = err
	}
	c.mu.Unlock()
}

// progress returns the highest flight seen, the first fatal alert and the
// first channel error.
func (c *packetConn) progress() (flight uint8, fatal *alertError, chanErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flight, c.alert, c.chanErr
}

// channelAddr stands in for a channel address the channel does not report.
type channelAddr string

func (a channelAddr) Network() string { return "channel" }
func (a channelAddr) String() string  { return string(a) }

var _ net.PacketConn = (*packetConn)(nil)

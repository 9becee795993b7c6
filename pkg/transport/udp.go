package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// UDPChannel is a Channel over a UDP socket bound to a single remote address.
// Datagrams arriving from any other source are discarded.
type UDPChannel struct {
	conn     net.PacketConn
	remote   net.Addr
	ownsConn bool
	log      logging.LeveledLogger

	readMu    sync.Mutex
	closeOnce sync.Once
	closeCh   chan struct{}
}

// UDPConfig configures a UDPChannel.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new socket is opened on ListenAddr and closed with the channel.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., ":5004").
	// Ignored if Conn is provided. Empty uses an ephemeral port.
	ListenAddr string

	// RemoteAddr is the peer address. Required.
	RemoteAddr net.Addr

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewUDP creates a UDP channel with the given configuration.
func NewUDP(config UDPConfig) (*UDPChannel, error) {
	if config.RemoteAddr == nil {
		return nil, ErrInvalidAddress
	}

	u := &UDPChannel{
		conn:    config.Conn,
		remote:  config.RemoteAddr,
		closeCh: make(chan struct{}),
	}

	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}

		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
		u.ownsConn = true
	}

	if u.log != nil {
		u.log.Infof("UDP channel %s -> %s", u.conn.LocalAddr(), u.remote)
	}

	return u, nil
}

// Send writes one datagram to the remote address.
// Write failures other than closure are logged and swallowed: the datagram
// is considered lost.
func (u *UDPChannel) Send(b []byte) error {
	if u.isClosed() {
		return ErrClosed
	}
	if len(b) > MaxDatagramSize {
		return ErrMessageTooLarge
	}

	if _, err := u.conn.WriteTo(b, u.remote); err != nil {
		if errors.Is(err, net.ErrClosed) || u.isClosed() {
			return ErrClosed
		}
		if u.log != nil {
			u.log.Warnf("send to %s failed: %v", u.remote, err)
		}
	}

	return nil
}

// Receive reads the next datagram from the remote address.
func (u *UDPChannel) Receive(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	if u.isClosed() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	u.readMu.Lock()
	defer u.readMu.Unlock()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// Unblock the read as soon as the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		u.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if err := u.conn.SetReadDeadline(deadline); err != nil {
			if u.isClosed() || errors.Is(err, net.ErrClosed) {
				return 0, ErrClosed
			}
			return 0, err
		}

		n, addr, err := u.conn.ReadFrom(b)
		if err != nil {
			if u.isClosed() || errors.Is(err, net.ErrClosed) {
				return 0, ErrClosed
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, ErrTimeout
			}
			return 0, err
		}

		if !sameAddr(addr, u.remote) {
			if u.log != nil {
				u.log.Debugf("discarding %d bytes from unexpected source %v", n, addr)
			}
			continue
		}

		return n, nil
	}
}

// Close closes the channel. The socket is closed only if the channel opened it.
func (u *UDPChannel) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.closeCh)

		if u.log != nil {
			u.log.Info("closing UDP channel")
		}

		if u.ownsConn {
			err = u.conn.Close()
		} else {
			err = u.conn.SetReadDeadline(time.Now())
		}
	})
	return err
}

// LocalAddr returns the local socket address.
func (u *UDPChannel) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// RemoteAddr returns the peer address.
func (u *UDPChannel) RemoteAddr() net.Addr {
	return u.remote
}

func (u *UDPChannel) isClosed() bool {
	select {
	case <-u.closeCh:
		return true
	default:
		return false
	}
}

// sameAddr compares two addresses, treating UDP addresses by IP and port.
func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	ua, okA := a.(*net.UDPAddr)
	ub, okB := b.(*net.UDPAddr)
	if okA && okB {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.String() == b.String()
}

// Verify UDPChannel implements Channel.
var _ Channel = (*UDPChannel)(nil)

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/packetio"
)

// DefaultQueueSize is the default number of datagrams buffered per receiver.
const DefaultQueueSize = 64

// pastDeadline interrupts a blocked read.
var pastDeadline = time.Unix(0, 1)

// queue is a bounded FIFO of datagrams over a packetio.Buffer, with a timed,
// closable pop. A push on a full or closed queue drops the datagram, as a
// socket buffer would. Pops are serialized because the buffer has a single
// read deadline.
type queue struct {
	buf *packetio.Buffer

	readMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	buf := packetio.NewBuffer()
	buf.SetLimitCount(size)
	return &queue{buf: buf}
}

// push enqueues a copy of d without blocking. Returns false if d was dropped.
func (q *queue) push(d []byte) bool {
	_, err := q.buf.Write(d)
	return err == nil
}

// pop waits up to timeout for a datagram and copies it into b, truncating
// it to len(b). A timeout <= 0 only takes what is already queued.
func (q *queue) pop(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	if q.isClosed() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	q.readMu.Lock()
	defer q.readMu.Unlock()

	// The buffer reports an expired deadline before looking at queued data.
	if timeout <= 0 {
		if q.buf.Count() == 0 {
			return 0, ErrTimeout
		}
		_ = q.buf.SetReadDeadline(time.Time{})
	} else {
		_ = q.buf.SetReadDeadline(time.Now().Add(timeout))
	}

	stop := context.AfterFunc(ctx, func() {
		_ = q.buf.SetReadDeadline(pastDeadline)
	})
	defer stop()

	n, err := q.buf.Read(b)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.ErrShortBuffer):
		return n, nil
	case errors.Is(err, io.EOF):
		return 0, ErrClosed
	case ctx.Err() != nil:
		return 0, ctx.Err()
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if q.isClosed() {
			return 0, ErrClosed
		}
		return 0, ErrTimeout
	}
	return 0, err
}

// close marks the queue closed and wakes a blocked pop. Idempotent.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	_ = q.buf.Close()
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// len returns the number of queued datagrams.
func (q *queue) len() int {
	return q.buf.Count()
}

package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/backkem/dtlssrtp/pkg/session"
	"github.com/backkem/dtlssrtp/pkg/transport"
	"github.com/pion/logging"
)

// DefaultMaxPending is the default number of ingress packets held per
// endpoint while its handshake runs.
const DefaultMaxPending = 16

// Direction selects the transform a Stage applies.
type Direction int

const (
	// Egress protects outgoing RTP.
	Egress Direction = iota
	// Ingress unprotects incoming SRTP.
	Ingress
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Egress:
		return "egress"
	case Ingress:
		return "ingress"
	default:
		return "unknown"
	}
}

// StageConfig configures a Stage.
type StageConfig struct {
	// Direction selects Protect (Egress) or Unprotect (Ingress).
	Direction Direction

	// Registry resolves endpoints to sessions. Required.
	Registry *session.Registry

	// MaxPending bounds the ingress packets held per endpoint while its
	// handshake runs. Packets for an endpoint with neither a handshake nor
	// a session are dropped. Egress never holds packets.
	// Default: DefaultMaxPending (16)
	MaxPending int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Stats is a snapshot of a Stage's counters.
type Stats struct {
	Processed  uint64 // packets transformed and passed on
	Dropped    uint64 // packets removed for any reason
	Malformed  uint64
	AuthFailed uint64
	Replayed   uint64
	NoSession  uint64 // dropped because no session was bound
	Buffered   uint64 // ingress packets held for a pending session
}

type counters struct {
	processed  atomic.Uint64
	dropped    atomic.Uint64
	malformed  atomic.Uint64
	authFailed atomic.Uint64
	replayed   atomic.Uint64
	noSession  atomic.Uint64
	buffered   atomic.Uint64
}

// Stage transforms packets with the session bound to their endpoint.
// A packet that fails is dropped on its own; the rest of the batch and the
// session are unaffected. Process may be called from several goroutines.
type Stage[P Packet] struct {
	direction  Direction
	registry   *session.Registry
	maxPending int
	log        logging.LeveledLogger

	scratch sync.Pool

	mu      sync.Mutex
	pending map[transport.EndpointID][]P

	stats counters
}

// NewStage creates a stage.
func NewStage[P Packet](config StageConfig) *Stage[P] {
	if config.MaxPending <= 0 {
		config.MaxPending = DefaultMaxPending
	}

	s := &Stage[P]{
		direction:  config.Direction,
		registry:   config.Registry,
		maxPending: config.MaxPending,
		pending:    make(map[transport.EndpointID][]P),
	}
	s.scratch.New = func() any {
		b := make([]byte, 0, bufferCapacity)
		return &b
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("srtp-stage")
	}
	return s
}

// Direction returns the stage's direction.
func (s *Stage[P]) Direction() Direction {
	return s.direction
}

// Process transforms packets and returns the ones that survive, in their
// original order. Ingress packets for an endpoint still handshaking are held
// up to MaxPending; packets for an unknown endpoint are dropped. Held ingress packets of an endpoint whose session is now
// bound come first. The returned slice reuses packets' backing array unless
// held packets are released into it; either way the caller must not use
// packets afterwards.
func (s *Stage[P]) Process(packets []P) []P {
	out := packets[:0]
	aliased := true

	var (
		lastID      transport.EndpointID
		lastSession *session.Session
		lastState   session.State
		lastValid   bool
	)

	for _, p := range packets {
		id := p.Endpoint()
		if !lastValid || id != lastID {
			lastID = id
			lastSession, lastState = s.registry.Lookup(id)
			lastValid = true

			switch {
			case lastState == session.StateNone:
				// The handshake failed or was removed under us.
				s.Discard(id)
			case lastSession != nil:
				if held := s.take(id); len(held) > 0 {
					// Held packets would overrun unread input.
					if aliased {
						out = append(make([]P, 0, len(packets)+len(held)), out...)
						aliased = false
					}
					out = s.transformAll(out, held, lastSession)
				}
			}
		}

		if lastSession == nil {
			if s.direction == Ingress && lastState == session.StateHandshaking {
				s.hold(id, p)
			} else {
				s.drop(p, "no session", &s.stats.noSession)
			}
			continue
		}

		if s.transform(lastSession, p) {
			out = append(out, p)
		}
	}

	return out
}

// Flush returns the held packets of id transformed with its now bound
// session. It returns nil and keeps the packets if no session is bound.
func (s *Stage[P]) Flush(id transport.EndpointID) []P {
	sess, _ := s.registry.Lookup(id)
	if sess == nil {
		return nil
	}
	return s.transformAll(nil, s.take(id), sess)
}

// Discard drops the packets held for id and returns how many there were.
// Wire it to the registry's OnFailed and OnRemoved callbacks.
func (s *Stage[P]) Discard(id transport.EndpointID) int {
	held := s.take(id)
	for _, p := range held {
		s.drop(p, "discarded", &s.stats.noSession)
	}
	return len(held)
}

// Pending returns the number of packets held for id.
func (s *Stage[P]) Pending(id transport.EndpointID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[id])
}

// Stats returns a snapshot of the counters.
func (s *Stage[P]) Stats() Stats {
	return Stats{
		Processed:  s.stats.processed.Load(),
		Dropped:    s.stats.dropped.Load(),
		Malformed:  s.stats.malformed.Load(),
		AuthFailed: s.stats.authFailed.Load(),
		Replayed:   s.stats.replayed.Load(),
		NoSession:  s.stats.noSession.Load(),
		Buffered:   s.stats.buffered.Load(),
	}
}

func (s *Stage[P]) transformAll(out []P, packets []P, sess *session.Session) []P {
	for _, p := range packets {
		if s.transform(sess, p) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Stage[P]) hold(id transport.EndpointID, p P) {
	s.mu.Lock()
	q := s.pending[id]
	if len(q) >= s.maxPending {
		s.mu.Unlock()
		s.drop(p, "pending queue full", &s.stats.noSession)
		return
	}
	s.pending[id] = append(q, p)
	s.mu.Unlock()

	s.stats.buffered.Add(1)
}

func (s *Stage[P]) take(id transport.EndpointID) []P {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	return q
}

// transform applies the session to p in place and reports whether p survives.
func (s *Stage[P]) transform(sess *session.Session, p P) bool {
	bufp := s.scratch.Get().(*[]byte)
	defer s.scratch.Put(bufp)

	var (
		res []byte
		err error
	)
	if s.direction == Egress {
		res, err = sess.Protect((*bufp)[:0], p.Bytes())
	} else {
		res, err = sess.Unprotect((*bufp)[:0], p.Bytes())
	}

	if err != nil {
		var counter *atomic.Uint64
		switch {
		case errors.Is(err, session.ErrPacketMalformed):
			counter = &s.stats.malformed
		case errors.Is(err, session.ErrAuthenticationFailed):
			counter = &s.stats.authFailed
		case errors.Is(err, session.ErrReplayDetected):
			counter = &s.stats.replayed
		default:
			counter = &s.stats.noSession
		}
		s.drop(p, err.Error(), counter)
		return false
	}

	p.SetBytes(res)
	if cap(res) > cap(*bufp) {
		*bufp = res[:0]
	}
	s.stats.processed.Add(1)
	return true
}

func (s *Stage[P]) drop(p P, reason string, counter *atomic.Uint64) {
	counter.Add(1)
	s.stats.dropped.Add(1)
	if s.log != nil {
		s.log.Debugf("%s: dropping %d byte packet for %s: %s", s.direction, len(p.Bytes()), p.Endpoint(), reason)
	}
	if r, ok := any(p).(Releaser); ok {
		r.Release()
	}
}

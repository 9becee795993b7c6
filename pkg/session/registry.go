package session

import (
	"sync"

	"github.com/backkem/dtlssrtp/pkg/transport"
	"github.com/pion/logging"
)

// DefaultMaxEntries is the default maximum number of endpoints a Registry tracks.
const DefaultMaxEntries = 1024

// Handshaker is the handshake that produced (or is producing) an entry,
// as seen by the registry.
type Handshaker interface {
	// Cancel aborts a running handshake, or stops a completed one from
	// still serving the channel. It returns once the handshaker has let go
	// of the channel and must not block on the registry.
	Cancel()
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// MaxEntries limits pending plus established endpoints.
	// Default: DefaultMaxEntries (1024)
	MaxEntries int

	// OnEstablished is called after a session is bound to an endpoint.
	OnEstablished func(id transport.EndpointID, s *Session)

	// OnFailed is called after a pending handshake is aborted, removed
	// (ErrRemoved) or dropped by Close (ErrRegistryClosed).
	OnFailed func(id transport.EndpointID, err error)

	// OnRemoved is called after an established session is removed and closed.
	OnRemoved func(id transport.EndpointID, s *Session)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// entry holds the handshaker for an endpoint and, once it completes, the
// session. A removing entry is being torn down outside the lock and
// accepts no further transitions.
type entry struct {
	handshaker Handshaker
	session    *Session
	removing   bool
}

func (e *entry) pending() bool {
	return e.session == nil
}

// Registry maps transport endpoints to either the handshake in progress or
// the established session. All mutations happen under one lock; callbacks
// run after it is released.
type Registry struct {
	config  RegistryConfig
	log     logging.LeveledLogger
	mu      sync.Mutex
	entries map[transport.EndpointID]*entry
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}

	r := &Registry{
		config:  config,
		entries: make(map[transport.EndpointID]*entry),
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("registry")
	}
	return r
}

// Begin records h as the pending handshake for id. Only one handshake or
// session may exist per endpoint.
func (r *Registry) Begin(id transport.EndpointID, h Handshaker) error {
	if !id.IsValid() {
		return ErrInvalidEndpoint
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.admitLocked(id); err != nil {
		return err
	}
	r.entries[id] = &entry{handshaker: h}

	if r.log != nil {
		r.log.Debugf("%s: handshake started", id)
	}
	return nil
}

// Complete binds s to h's pending entry. h stays with the entry so Remove
// and Close can stop it. If h is no longer the pending handshake for id (it
// was aborted, removed, or the registry closed), s is not bound and an error
// is returned; the caller keeps ownership of s.
func (r *Registry) Complete(id transport.EndpointID, h Handshaker, s *Session) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	e, ok := r.entries[id]
	if !ok || !e.pending() || e.removing || e.handshaker != h {
		r.mu.Unlock()
		return ErrNotPending
	}
	e.session = s
	r.mu.Unlock()

	if r.log != nil {
		r.log.Infof("%s: session established (%s)", id, s.Profile())
	}
	if r.config.OnEstablished != nil {
		r.config.OnEstablished(id, s)
	}
	return nil
}

// Abort removes h's pending entry after a failed handshake.
func (r *Registry) Abort(id transport.EndpointID, h Handshaker, err error) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || !e.pending() || e.removing || e.handshaker != h {
		r.mu.Unlock()
		return ErrNotPending
	}
	delete(r.entries, id)
	r.mu.Unlock()

	if r.log != nil {
		r.log.Warnf("%s: handshake failed: %v", id, err)
	}
	if r.config.OnFailed != nil {
		r.config.OnFailed(id, err)
	}
	return nil
}

// Bind attaches a session established outside the registry.
func (r *Registry) Bind(id transport.EndpointID, s *Session) error {
	if !id.IsValid() {
		return ErrInvalidEndpoint
	}

	r.mu.Lock()
	if err := r.admitLocked(id); err != nil {
		r.mu.Unlock()
		return err
	}
	r.entries[id] = &entry{session: s}
	r.mu.Unlock()

	if r.config.OnEstablished != nil {
		r.config.OnEstablished(id, s)
	}
	return nil
}

func (r *Registry) admitLocked(id transport.EndpointID) error {
	if r.closed {
		return ErrRegistryClosed
	}
	if e, ok := r.entries[id]; ok {
		if e.pending() {
			return ErrHandshakeInProgress
		}
		return ErrSessionExists
	}
	if len(r.entries) >= r.config.MaxEntries {
		return ErrRegistryFull
	}
	return nil
}

// Lookup returns the session bound to id, if any, and the endpoint's state.
// An endpoint being removed reports StateNone.
func (r *Registry) Lookup(id transport.EndpointID) (*Session, State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	switch {
	case !ok || e.removing:
		return nil, StateNone
	case e.pending():
		return nil, StateHandshaking
	default:
		return e.session, StateEstablished
	}
}

// Session returns the established session for id.
func (r *Registry) Session(id transport.EndpointID) (*Session, error) {
	s, state := r.Lookup(id)
	if state != StateEstablished {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove drops whatever the registry holds for id. The handshaker is
// cancelled and the session, if any, closed before Remove returns, so the
// endpoint's channel is free for a new handshake. Until then Begin and Bind
// for id fail as if the entry were still there. Removing a pending entry
// reports ErrRemoved to OnFailed.
func (r *Registry) Remove(id transport.EndpointID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.removing {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	e.removing = true
	r.mu.Unlock()

	r.teardown(id, e, ErrRemoved)

	r.mu.Lock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	r.notifyGone(id, e, ErrRemoved)
	return nil
}

// teardown stops the entry's handshaker and closes its session. It runs
// outside the lock.
func (r *Registry) teardown(id transport.EndpointID, e *entry, reason error) {
	if e.handshaker != nil {
		e.handshaker.Cancel()
	}
	if e.session != nil {
		e.session.Close()
	}
	if r.log != nil {
		if e.pending() {
			r.log.Infof("%s: pending handshake dropped: %v", id, reason)
		} else {
			r.log.Infof("%s: session removed", id)
		}
	}
}

func (r *Registry) notifyGone(id transport.EndpointID, e *entry, reason error) {
	if e.pending() {
		if r.config.OnFailed != nil {
			r.config.OnFailed(id, reason)
		}
		return
	}
	if r.config.OnRemoved != nil {
		r.config.OnRemoved(id, e.session)
	}
}

// Count returns the number of tracked endpoints, pending or established.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ForEach calls fn for each established session until fn returns false.
// fn runs on a snapshot, outside the lock.
func (r *Registry) ForEach(fn func(id transport.EndpointID, s *Session) bool) {
	type pair struct {
		id transport.EndpointID
		s  *Session
	}

	r.mu.Lock()
	snapshot := make([]pair, 0, len(r.entries))
	for id, e := range r.entries {
		if e.session != nil && !e.removing {
			snapshot = append(snapshot, pair{id, e.session})
		}
	}
	r.mu.Unlock()

	for _, p := range snapshot {
		if !fn(p.id, p.s) {
			return
		}
	}
}

// Close stops every handshaker and closes every session. Later Begin, Bind
// and Complete calls return ErrRegistryClosed. Pending entries are reported
// to OnFailed with ErrRegistryClosed. Entries already being removed are
// left to Remove.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[transport.EndpointID]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		if e.removing {
			continue
		}
		r.teardown(id, e, ErrRegistryClosed)
		r.notifyGone(id, e, ErrRegistryClosed)
	}
	return nil
}

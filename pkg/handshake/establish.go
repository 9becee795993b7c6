package handshake

import (
	"context"

	"github.com/backkem/dtlssrtp/pkg/session"
	"github.com/backkem/dtlssrtp/pkg/transport"
)

// Result is the outcome of an asynchronous Establish.
type Result struct {
	ID      transport.EndpointID
	Session *session.Session
	Err     error
}

// Establish runs a handshake for endpoint id and binds the result in
// registry. While it runs, the endpoint is pending in the registry, so a
// concurrent Establish for the same endpoint fails with
// session.ErrHandshakeInProgress, and registry.Remove or registry.Close
// cancel it. On failure the pending entry is removed.
func Establish(ctx context.Context, registry *session.Registry, id transport.EndpointID, ch transport.Channel, config Config) (*session.Session, error) {
	d, err := New(ch, config)
	if err != nil {
		return nil, err
	}
	if err := registry.Begin(id, d); err != nil {
		return nil, err
	}

	s, err := d.Handshake(ctx)
	if err != nil {
		registry.Abort(id, d, err)
		return nil, err
	}

	if err := registry.Complete(id, d, s); err != nil {
		// Removed or closed while the handshake finished.
		d.Cancel()
		s.Close()
		return nil, d.wrap(err)
	}
	return s, nil
}

// EstablishAsync runs Establish on its own goroutine and delivers the
// outcome on the returned channel, which receives exactly one Result.
func EstablishAsync(ctx context.Context, registry *session.Registry, id transport.EndpointID, ch transport.Channel, config Config) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		s, err := Establish(ctx, registry, id, ch, config)
		out <- Result{ID: id, Session: s, Err: err}
	}()
	return out
}

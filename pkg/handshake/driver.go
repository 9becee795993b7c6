// Package handshake establishes an SRTP session over an unreliable datagram
// channel with a DTLS 1.2 handshake carrying the use_srtp extension
// (RFC 5764).
//
// The DTLS state machine is pion/dtls; this package orchestrates it over a
// transport.Channel. The wire exchange is six flights:
//
//	Initiator                                  Responder
//	ClientHello                         ------>                      (1)
//	                                    <------ HelloVerifyRequest    (2)
//	ClientHello (cookie, profiles)      ------>                      (3)
//	                                    <------ ServerHello (profile),
//	                                            Certificate, ServerKeyExchange,
//	                                            CertificateRequest,
//	                                            ServerHelloDone       (4)
//	[Certificate], ClientKeyExchange,
//	[CertificateVerify],
//	ChangeCipherSpec, Finished          ------>                      (5)
//	                                    <------ ChangeCipherSpec,
//	                                            Finished              (6)
//
// The SRTP keying material is exported with the RFC 5764 label. A lost
// flight is resent on a timer set by RetransmitPolicy, and the whole
// handshake is bounded by RetransmitPolicy.Budget. Failures, whether found
// locally or reported by the peer in a fatal alert, map to the typed errors
// in errors.go.
package handshake

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backkem/dtlssrtp/pkg/identity"
	"github.com/backkem/dtlssrtp/pkg/session"
	"github.com/backkem/dtlssrtp/pkg/transport"
	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
)

// LabelSRTPExporter is the exporter label for DTLS-SRTP keying material
// (RFC 5764 section 4.2).
const LabelSRTPExporter = "EXTRACTOR-dtls_srtp"

// State is the driver's position in the handshake.
type State int

const (
	StateIdle        State = iota
	StateHandshaking       // Flights in progress, see Driver.Flight
	StateComplete          // Session established
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHandshaking:
		return "Handshaking"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Driver runs one handshake over a Channel in the role chosen by
// Config.Role. A Driver is single use.
type Driver struct {
	config Config
	ch     transport.Channel
	log    logging.LeveledLogger

	mu        sync.Mutex
	state     State
	used      bool
	cancelled bool
	cancel    context.CancelCauseFunc
	pc        *packetConn
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a driver for ch. The channel is borrowed: the driver never
// closes it.
func New(ch transport.Channel, config Config) (*Driver, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrInvalidConfig)
	}
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	d := &Driver{
		config: config,
		ch:     ch,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("handshake")
	}
	return d, nil
}

// Role returns the driver's role.
func (d *Driver) Role() Role {
	return d.config.Role
}

// State returns the current handshake state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Flight returns the highest flight number sent or received so far.
func (d *Driver) Flight() uint8 {
	d.mu.Lock()
	pc := d.pc
	d.mu.Unlock()
	if pc == nil {
		return 0
	}
	flight, _, _ := pc.progress()
	return flight
}

// Done is closed once the driver no longer reads from or writes to the
// channel: when Handshake fails, or after a successful handshake once any
// final flight linger ends.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Cancel aborts a running handshake with ErrCancelled, or ends the final
// flight linger of a completed one. Once Handshake has started, Cancel
// returns only after the driver has let go of the channel, so the channel
// can be handed to a new driver straight away. Calling Cancel before
// Handshake makes Handshake fail immediately.
func (d *Driver) Cancel() {
	d.mu.Lock()
	d.cancelled = true
	cancel := d.cancel
	started := d.used
	d.mu.Unlock()

	if cancel != nil {
		cancel(ErrCancelled)
	}
	d.stopOnce.Do(func() { close(d.stop) })
	if started {
		<-d.done
	}
}

// Handshake runs the handshake to completion. It returns the established
// session, or an *Error wrapping the failure kind. The whole handshake is
// bounded by Config.Retransmit.Budget().
func (d *Driver) Handshake(ctx context.Context) (*session.Session, error) {
	d.mu.Lock()
	if d.used {
		d.mu.Unlock()
		return nil, ErrDriverUsed
	}
	d.used = true
	if d.cancelled {
		d.state = StateFailed
		d.mu.Unlock()
		close(d.done)
		return nil, d.wrap(ErrCancelled)
	}
	pc := newPacketConn(d.ch, d.config.Role == RoleInitiator, d.log)
	runCtx, cancel := context.WithCancelCause(ctx)
	d.pc = pc
	d.cancel = cancel
	d.state = StateHandshaking
	d.mu.Unlock()
	defer cancel(nil)

	budget := d.config.Retransmit.Budget()
	runCtx, stop := context.WithTimeoutCause(runCtx, budget, ErrHandshakeTimeout)
	defer stop()

	if d.log != nil {
		d.log.Debugf("starting %s handshake on %s, budget %v", d.config.Role, transport.ChannelEndpoint(d.ch), budget)
	}
	started := time.Now()

	conn, err := d.dial(pc)
	if err == nil {
		err = conn.HandshakeContext(runCtx)
	}

	var s *session.Session
	if err != nil {
		err = d.classify(runCtx, err)
	} else if s, err = d.newSession(conn); err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if err != nil {
		d.release(conn, pc)
		d.fail(err)
		close(d.done)
		return nil, d.wrap(err)
	}

	d.setState(StateComplete)
	if d.log != nil {
		d.log.Infof("%s handshake complete in %v: %s, %s", d.config.Role, time.Since(started), VersionDTLS12, s.Profile())
	}

	if d.config.Role == RoleResponder && d.config.FinalFlightLinger > 0 {
		go d.linger(conn, pc)
	} else {
		d.release(conn, pc)
		close(d.done)
	}
	return s, nil
}

func (d *Driver) dial(pc *packetConn) (*dtls.Conn, error) {
	cfg := d.config.dtlsConfig(d.config.LoggerFactory)
	if d.config.Role == RoleInitiator {
		return dtls.Client(pc, pc.raddr, cfg)
	}
	return dtls.Server(pc, pc.raddr, cfg)
}

// linger keeps the completed responder answering a retransmitted flight 5
// until FinalFlightLinger passes or Cancel is called.
func (d *Driver) linger(conn *dtls.Conn, pc *packetConn) {
	defer close(d.done)

	timer := time.NewTimer(d.config.FinalFlightLinger)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-d.stop:
	}
	d.release(conn, pc)
}

// release shuts the DTLS connection down without writing to the channel
// and waits until it no longer reads from it.
func (d *Driver) release(conn *dtls.Conn, pc *packetConn) {
	pc.mute()
	if conn != nil {
		_ = conn.Close()
	}
	_ = pc.Close()
}

// classify maps a failed handshake to one failure kind. Causes the driver
// knows about come first; then the fatal alert seen on the wire, whichever
// side sent it.
func (d *Driver) classify(runCtx context.Context, err error) error {
	_, fatal, chanErr := d.pc.progress()
	switch {
	case errors.Is(err, ErrIdentityRejected):
		return err
	case errors.Is(chanErr, transport.ErrClosed):
		return transport.ErrClosed
	case runCtx.Err() != nil:
		return context.Cause(runCtx)
	case fatal != nil:
		return fatal
	default:
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
}

func (d *Driver) wrap(err error) error {
	return &Error{Role: d.config.Role, Flight: d.Flight(), Err: err}
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Driver) fail(err error) {
	d.setState(StateFailed)
	if d.log != nil {
		d.log.Warnf("%s handshake failed at flight %d: %v", d.config.Role, d.Flight(), err)
	}
}

// newSession exports the keying material for the negotiated profile and
// builds the session.
func (d *Driver) newSession(conn *dtls.Conn) (*session.Session, error) {
	selected, ok := conn.SelectedSRTPProtectionProfile()
	if !ok {
		return nil, errors.New("no SRTP protection profile negotiated")
	}
	profile := session.Profile(selected)

	state, ok := conn.ConnectionState()
	if !ok {
		return nil, errors.New("connection state unavailable")
	}

	n, err := profile.KeyingMaterialLen()
	if err != nil {
		return nil, err
	}
	material, err := state.ExportKeyingMaterial(LabelSRTPExporter, nil, n)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range material {
			material[i] = 0
		}
	}()

	var peer *x509.Certificate
	if len(state.PeerCertificates) > 0 {
		if peer, err = identity.ParseCertificate(state.PeerCertificates[0]); err != nil {
			return nil, err
		}
	}

	var local string
	if d.config.Identity != nil {
		local = d.config.Identity.Fingerprint()
	}

	return session.New(session.Config{
		Role:             d.config.Role,
		Profile:          profile,
		KeyingMaterial:   material,
		Version:          uint16(VersionDTLS12),
		PeerCertificate:  peer,
		LocalFingerprint: local,
		ReplayWindow:     d.config.ReplayWindow,
	})
}

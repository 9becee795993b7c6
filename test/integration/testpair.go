// Package integration provides test infrastructure for end-to-end
// DTLS-SRTP tests over a virtual pipe network.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/backkem/dtlssrtp/pkg/handshake"
	"github.com/backkem/dtlssrtp/pkg/identity"
	"github.com/backkem/dtlssrtp/pkg/pipeline"
	"github.com/backkem/dtlssrtp/pkg/session"
	"github.com/backkem/dtlssrtp/pkg/transport"
	"github.com/pion/logging"
)

// Side is one peer of a TestPair: a multiplexed channel, a registry and the
// two transform stages.
type Side struct {
	Mux       *transport.Mux
	Handshake *transport.MuxEndpoint
	Media     *transport.MuxEndpoint
	Endpoint  transport.EndpointID
	Identity  *identity.Identity

	Registry *session.Registry
	Egress   *pipeline.Stage[*pipeline.Buffer]
	Ingress  *pipeline.Stage[*pipeline.Buffer]

	// Session is the established session, set by NewTestPair.
	Session *session.Session
}

// TestPair holds two peers with established sessions connected by a pipe.
//
// Example usage:
//
//	pair := NewTestPair(t, DefaultTestPairConfig())
//	defer pair.Close()
//	pair.Send(pair.Initiator, pair.Responder, packet)
type TestPair struct {
	Pipe      *transport.Pipe
	Initiator *Side
	Responder *Side

	t *testing.T
}

// TestPairConfig configures the test pair creation.
type TestPairConfig struct {
	// Condition is applied to the pipe during the handshake.
	Condition NetworkCondition

	// InitiatorProfiles and ResponderProfiles default to session.DefaultProfiles.
	InitiatorProfiles []session.Profile
	ResponderProfiles []session.Profile

	// RequireClientCertificate makes the responder demand initiator authentication.
	RequireClientCertificate bool

	// Retransmit is the handshake policy for both sides.
	Retransmit handshake.RetransmitPolicy

	// FinalFlightLinger is how long the responder answers repeated flight 5s.
	FinalFlightLinger time.Duration

	// HandshakeTimeout bounds the whole setup.
	// Defaults to 10 seconds.
	HandshakeTimeout time.Duration

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NetworkCondition aliases the pipe condition for test tables.
type NetworkCondition = transport.NetworkCondition

// DefaultTestPairConfig returns default configuration for test pairs.
func DefaultTestPairConfig() TestPairConfig {
	return TestPairConfig{
		Retransmit: handshake.RetransmitPolicy{
			InitialInterval: 20 * time.Millisecond,
			MaxRetransmits:  6,
		},
		FinalFlightLinger: 2 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// NewTestPair connects two sides over a pipe and runs the handshake with
// mutual fingerprint verification. It fails the test if either side does
// not end up with a session.
func NewTestPair(t *testing.T, config TestPairConfig) *TestPair {
	t.Helper()

	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}

	pipe := transport.NewPipeWithConfig(transport.PipeConfig{Condition: config.Condition})
	pair := &TestPair{
		Pipe:      pipe,
		Initiator: newSide(t, pipe.Conn0(), config.LoggerFactory),
		Responder: newSide(t, pipe.Conn1(), config.LoggerFactory),
		t:         t,
	}

	base := handshake.Config{
		Retransmit:    config.Retransmit,
		LoggerFactory: config.LoggerFactory,
	}

	initiator := base
	initiator.Role = handshake.RoleInitiator
	initiator.Identity = pair.Initiator.Identity
	initiator.Profiles = config.InitiatorProfiles
	initiator.RemoteFingerprint = pair.Responder.Identity.Fingerprint()

	responder := base
	responder.Role = handshake.RoleResponder
	responder.Identity = pair.Responder.Identity
	responder.Profiles = config.ResponderProfiles
	responder.RequireClientCertificate = config.RequireClientCertificate
	responder.FinalFlightLinger = config.FinalFlightLinger
	responder.RemoteFingerprint = pair.Initiator.Identity.Fingerprint()

	ctx, cancel := context.WithTimeout(context.Background(), config.HandshakeTimeout)
	defer cancel()

	ri := handshake.EstablishAsync(ctx, pair.Initiator.Registry, pair.Initiator.Endpoint, pair.Initiator.Handshake, initiator)
	rr := handshake.EstablishAsync(ctx, pair.Responder.Registry, pair.Responder.Endpoint, pair.Responder.Handshake, responder)

	resI, resR := <-ri, <-rr
	if resI.Err != nil || resR.Err != nil {
		pair.Close()
		t.Fatalf("handshake failed: initiator=%v responder=%v", resI.Err, resR.Err)
	}
	pair.Initiator.Session = resI.Session
	pair.Responder.Session = resR.Session

	// Media runs on a clean link unless a test sets its own condition.
	pipe.SetCondition(NetworkCondition{})
	return pair
}

func newSide(t *testing.T, conn transport.Channel, loggerFactory logging.LoggerFactory) *Side {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}

	s := &Side{
		Mux:      transport.NewMux(transport.MuxConfig{Conn: conn, LoggerFactory: loggerFactory}),
		Endpoint: transport.ChannelEndpoint(conn),
		Identity: id,
	}
	s.Handshake = s.Mux.NewEndpoint(transport.MatchHandshake)
	s.Media = s.Mux.NewEndpoint(transport.MatchSRTP)

	s.Registry = session.NewRegistry(session.RegistryConfig{
		OnFailed: func(id transport.EndpointID, _ error) {
			s.Ingress.Discard(id)
		},
		OnRemoved: func(id transport.EndpointID, _ *session.Session) {
			s.Ingress.Discard(id)
		},
		LoggerFactory: loggerFactory,
	})
	s.Egress = pipeline.NewStage[*pipeline.Buffer](pipeline.StageConfig{
		Direction:     pipeline.Egress,
		Registry:      s.Registry,
		LoggerFactory: loggerFactory,
	})
	s.Ingress = pipeline.NewStage[*pipeline.Buffer](pipeline.StageConfig{
		Direction:     pipeline.Ingress,
		Registry:      s.Registry,
		LoggerFactory: loggerFactory,
	})

	if err := s.Mux.Start(); err != nil {
		t.Fatalf("Mux.Start() error = %v", err)
	}
	return s
}

// Send protects packets on from, writes them to the pipe, and returns the
// plaintexts to accepted on the other side, reading until want packets
// arrived or the wait elapsed.
func (p *TestPair) Send(from, to *Side, packets [][]byte, want int, wait time.Duration) [][]byte {
	p.t.Helper()

	bufs := make([]*pipeline.Buffer, 0, len(packets))
	for _, pkt := range packets {
		bufs = append(bufs, pipeline.NewBuffer(from.Endpoint, pkt))
	}
	for _, out := range from.Egress.Process(bufs) {
		if err := from.Media.Send(out.Bytes()); err != nil {
			p.t.Fatalf("Media.Send() error = %v", err)
		}
		out.Release()
	}

	return p.Receive(to, want, wait)
}

// Receive runs received datagrams through to's ingress stage until want
// packets were accepted or the wait elapsed.
func (p *TestPair) Receive(to *Side, want int, wait time.Duration) [][]byte {
	p.t.Helper()

	var got [][]byte
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	raw := make([]byte, 1500)
	for len(got) < want {
		n, err := to.Media.Receive(ctx, raw, wait)
		if err != nil {
			break
		}
		for _, out := range to.Ingress.Process([]*pipeline.Buffer{pipeline.NewBuffer(to.Endpoint, raw[:n])}) {
			got = append(got, append([]byte(nil), out.Bytes()...))
			out.Release()
		}
	}
	return got
}

// Close tears down both sides.
func (p *TestPair) Close() {
	var wg sync.WaitGroup
	for _, s := range []*Side{p.Initiator, p.Responder} {
		wg.Add(1)
		go func(s *Side) {
			defer wg.Done()
			s.Registry.Close()
			s.Mux.Close()
		}(s)
	}
	wg.Wait()
	p.Pipe.Close()
}

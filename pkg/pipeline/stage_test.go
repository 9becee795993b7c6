package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/backkem/dtlssrtp/pkg/session"
	"github.com/backkem/dtlssrtp/pkg/transport"
	"github.com/pion/rtp"
)

var (
	peerA = transport.PeerEndpoint("a")
	peerB = transport.PeerEndpoint("b")
)

// newSessions returns a sender and a receiver session sharing keys.
func newSessions(t *testing.T) (sender, receiver *session.Session) {
	t.Helper()
	profile := session.ProfileAES128CMHMACSHA1_80
	n, _ := profile.KeyingMaterialLen()
	material := make([]byte, n)
	rand.Read(material)

	sender, err := session.New(session.Config{Role: session.RoleInitiator, Profile: profile, KeyingMaterial: material})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	receiver, err = session.New(session.Config{Role: session.RoleResponder, Profile: profile, KeyingMaterial: material})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	return sender, receiver
}

func rtpBytes(t *testing.T, seq uint16) []byte {
	t.Helper()
	b, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, SSRC: 0xcafe},
		Payload: []byte{byte(seq), 1, 2, 3, 4, 5, 6, 7},
	}).Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return b
}

func seqOf(t *testing.T, b []byte) uint16 {
	t.Helper()
	var h rtp.Header
	if _, err := h.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return h.SequenceNumber
}

func buffers(t *testing.T, id transport.EndpointID, first, count uint16) []*Buffer {
	t.Helper()
	out := make([]*Buffer, 0, count)
	for i := uint16(0); i < count; i++ {
		out = append(out, NewBuffer(id, rtpBytes(t, first+i)))
	}
	return out
}

type fakeHandshaker struct{}

func (fakeHandshaker) Cancel() {}

// pair returns egress and ingress stages bound through separate registries.
func pair(t *testing.T) (egress, ingress *Stage[*Buffer], egressReg, ingressReg *session.Registry) {
	t.Helper()
	sender, receiver := newSessions(t)

	egressReg = session.NewRegistry(session.RegistryConfig{})
	ingressReg = session.NewRegistry(session.RegistryConfig{})
	t.Cleanup(func() {
		egressReg.Close()
		ingressReg.Close()
	})
	egressReg.Bind(peerA, sender)
	ingressReg.Bind(peerA, receiver)

	egress = NewStage[*Buffer](StageConfig{Direction: Egress, Registry: egressReg})
	ingress = NewStage[*Buffer](StageConfig{Direction: Ingress, Registry: ingressReg})
	return egress, ingress, egressReg, ingressReg
}

func TestStage_RoundTrip(t *testing.T) {
	egress, ingress, _, _ := pair(t)

	in := buffers(t, peerA, 1, 5)
	plain := make([][]byte, len(in))
	for i, b := range in {
		plain[i] = append([]byte(nil), b.Bytes()...)
	}

	protected := egress.Process(in)
	if len(protected) != 5 {
		t.Fatalf("egress Process() kept %d, want 5", len(protected))
	}

	got := ingress.Process(protected)
	if len(got) != 5 {
		t.Fatalf("ingress Process() kept %d, want 5", len(got))
	}
	for i, b := range got {
		if string(b.Bytes()) != string(plain[i]) {
			t.Errorf("packet %d = %x, want %x", i, b.Bytes(), plain[i])
		}
	}

	if s := egress.Stats(); s.Processed != 5 || s.Dropped != 0 {
		t.Errorf("egress Stats() = %+v", s)
	}
}

func TestStage_DropsOnlyFailedPacket(t *testing.T) {
	const n, k = 10, 4

	egress, ingress, _, _ := pair(t)
	protected := egress.Process(buffers(t, peerA, 100, n))

	// Truncate packet k below an RTP header.
	protected[k].SetBytes(protected[k].Bytes()[:8])

	got := ingress.Process(protected)
	if len(got) != n-1 {
		t.Fatalf("Process() kept %d, want %d", len(got), n-1)
	}

	want := uint16(100)
	for _, b := range got {
		if want == 100+k {
			want++
		}
		if seq := seqOf(t, b.Bytes()); seq != want {
			t.Errorf("sequence = %d, want %d", seq, want)
		}
		want++
	}

	s := ingress.Stats()
	if s.Malformed != 1 || s.Dropped != 1 || s.Processed != n-1 {
		t.Errorf("Stats() = %+v, want 1 malformed, 1 dropped, %d processed", s, n-1)
	}
}

func TestStage_AuthAndReplay(t *testing.T) {
	egress, ingress, _, _ := pair(t)

	protected := egress.Process(buffers(t, peerA, 1, 3))
	replay := NewBuffer(peerA, protected[0].Bytes())

	tampered := append([]byte(nil), protected[1].Bytes()...)
	tampered[len(tampered)-1] ^= 0x01
	protected[1].SetBytes(tampered)

	got := ingress.Process(protected)
	if len(got) != 2 {
		t.Fatalf("Process() kept %d, want 2", len(got))
	}

	if got := ingress.Process([]*Buffer{replay}); len(got) != 0 {
		t.Errorf("Process(replay) kept %d, want 0", len(got))
	}

	s := ingress.Stats()
	if s.AuthFailed != 1 || s.Replayed != 1 || s.Dropped != 2 {
		t.Errorf("Stats() = %+v, want 1 auth failure, 1 replay, 2 dropped", s)
	}
}

func TestStage_EgressWithoutSession(t *testing.T) {
	reg := session.NewRegistry(session.RegistryConfig{})
	defer reg.Close()
	egress := NewStage[*Buffer](StageConfig{Direction: Egress, Registry: reg})

	pipe := transport.NewPipe()
	defer pipe.Close()

	// Handshake still pending.
	reg.Begin(peerA, &pendingHandshake{})

	out := egress.Process(buffers(t, peerA, 1, 5))
	for _, b := range out {
		pipe.Conn0().Send(b.Bytes())
	}

	if len(out) != 0 {
		t.Errorf("Process() kept %d, want 0", len(out))
	}
	if got := pipe.Conn0().Sent(); got != 0 {
		t.Errorf("Sent() = %d, want 0", got)
	}
	buf := make([]byte, transport.MaxDatagramSize)
	if _, err := pipe.Conn1().Receive(context.Background(), buf, 20*time.Millisecond); !errors.Is(err, transport.ErrTimeout) {
		t.Errorf("Receive() error = %v, want %v", err, transport.ErrTimeout)
	}
	if s := egress.Stats(); s.NoSession != 5 || s.Buffered != 0 {
		t.Errorf("Stats() = %+v, want 5 without session, none buffered", s)
	}
	if egress.Pending(peerA) != 0 {
		t.Errorf("Pending() = %d, want 0", egress.Pending(peerA))
	}
}

type pendingHandshake struct{}

func (*pendingHandshake) Cancel() {}

func TestStage_IngressHoldsUntilBound(t *testing.T) {
	sender, receiver := newSessions(t)

	egressReg := session.NewRegistry(session.RegistryConfig{})
	defer egressReg.Close()
	egressReg.Bind(peerA, sender)
	egress := NewStage[*Buffer](StageConfig{Direction: Egress, Registry: egressReg})

	reg := session.NewRegistry(session.RegistryConfig{})
	defer reg.Close()
	ingress := NewStage[*Buffer](StageConfig{Direction: Ingress, Registry: reg, MaxPending: 4})

	h := fakeHandshaker{}
	if err := reg.Begin(peerA, h); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	protected := egress.Process(buffers(t, peerA, 1, 8))

	// Six arrive during the handshake: four are held, two dropped.
	if got := ingress.Process(protected[:6]); len(got) != 0 {
		t.Fatalf("Process() before bind kept %d, want 0", len(got))
	}
	if got := ingress.Pending(peerA); got != 4 {
		t.Errorf("Pending() = %d, want 4", got)
	}

	if err := reg.Complete(peerA, h, receiver); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	got := ingress.Process(protected[6:])
	if len(got) != 6 {
		t.Fatalf("Process() after bind kept %d, want 6", len(got))
	}
	want := []uint16{1, 2, 3, 4, 7, 8}
	for i, b := range got {
		if seq := seqOf(t, b.Bytes()); seq != want[i] {
			t.Errorf("packet %d sequence = %d, want %d", i, seq, want[i])
		}
	}

	s := ingress.Stats()
	if s.Buffered != 4 || s.NoSession != 2 || s.Processed != 6 {
		t.Errorf("Stats() = %+v, want 4 buffered, 2 without session, 6 processed", s)
	}
}

func TestStage_FlushAndDiscard(t *testing.T) {
	sender, receiver := newSessions(t)
	egressReg := session.NewRegistry(session.RegistryConfig{})
	defer egressReg.Close()
	egressReg.Bind(peerA, sender)
	egressReg.Bind(peerB, sender)
	egress := NewStage[*Buffer](StageConfig{Direction: Egress, Registry: egressReg})

	reg := session.NewRegistry(session.RegistryConfig{})
	defer reg.Close()
	ingress := NewStage[*Buffer](StageConfig{Direction: Ingress, Registry: reg})

	h := fakeHandshaker{}
	reg.Begin(peerA, h)
	reg.Begin(peerB, h)

	ingress.Process(egress.Process(buffers(t, peerA, 1, 3)))
	ingress.Process(egress.Process(buffers(t, peerB, 10, 2)))

	if got := ingress.Flush(peerA); got != nil {
		t.Errorf("Flush() without session = %v, want nil", got)
	}

	reg.Complete(peerA, h, receiver)
	if got := ingress.Flush(peerA); len(got) != 3 {
		t.Errorf("Flush() kept %d, want 3", len(got))
	}
	if got := ingress.Pending(peerA); got != 0 {
		t.Errorf("Pending() after Flush = %d, want 0", got)
	}

	if got := ingress.Discard(peerB); got != 2 {
		t.Errorf("Discard() = %d, want 2", got)
	}
	if got := ingress.Pending(peerB); got != 0 {
		t.Errorf("Pending() after Discard = %d, want 0", got)
	}
}

func TestStage_IngressDropsUnknownEndpoint(t *testing.T) {
	egress, _, _, _ := pair(t)

	reg := session.NewRegistry(session.RegistryConfig{})
	defer reg.Close()
	ingress := NewStage[*Buffer](StageConfig{Direction: Ingress, Registry: reg, MaxPending: 4})

	// Nothing is handshaking with peerA, so nothing is held for it.
	for i := 0; i < 3; i++ {
		batch := egress.Process(buffers(t, peerA, uint16(1+i*10), 10))
		if got := ingress.Process(batch); len(got) != 0 {
			t.Fatalf("Process() kept %d, want 0", len(got))
		}
	}
	if got := ingress.Pending(peerA); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
	if s := ingress.Stats(); s.NoSession != 30 || s.Buffered != 0 {
		t.Errorf("Stats() = %+v, want 30 without session, 0 buffered", s)
	}
}

func TestStage_IngressReleasesHeldOnAbort(t *testing.T) {
	egress, _, _, _ := pair(t)

	reg := session.NewRegistry(session.RegistryConfig{})
	defer reg.Close()
	ingress := NewStage[*Buffer](StageConfig{Direction: Ingress, Registry: reg})

	h := fakeHandshaker{}
	reg.Begin(peerA, h)
	ingress.Process(egress.Process(buffers(t, peerA, 1, 3)))
	if got := ingress.Pending(peerA); got != 3 {
		t.Fatalf("Pending() = %d, want 3", got)
	}

	reg.Abort(peerA, h, errors.New("handshake failed"))

	// The next packet for the endpoint finds no handshake and drops the
	// held ones along with itself.
	if got := ingress.Process(egress.Process(buffers(t, peerA, 4, 1))); len(got) != 0 {
		t.Fatalf("Process() kept %d, want 0", len(got))
	}
	if got := ingress.Pending(peerA); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
	if s := ingress.Stats(); s.NoSession != 4 {
		t.Errorf("Stats().NoSession = %d, want 4", s.NoSession)
	}
}

func TestStage_MixedEndpoints(t *testing.T) {
	egress, _, _, _ := pair(t)

	batch := []*Buffer{
		NewBuffer(peerA, rtpBytes(t, 1)),
		NewBuffer(peerB, rtpBytes(t, 2)),
		NewBuffer(peerA, rtpBytes(t, 3)),
	}
	got := egress.Process(batch)
	if len(got) != 2 {
		t.Fatalf("Process() kept %d, want 2", len(got))
	}
	for _, b := range got {
		if b.Endpoint() != peerA {
			t.Errorf("Endpoint() = %v, want %v", b.Endpoint(), peerA)
		}
	}
}

func TestStage_PreservesMetadata(t *testing.T) {
	egress, _, _, _ := pair(t)

	b := NewBuffer(peerA, rtpBytes(t, 1))
	arrival := time.Unix(1700000000, 0)
	b.StreamID = 7
	b.Marker = true
	b.ArrivalTime = arrival

	got := egress.Process([]*Buffer{b})
	if len(got) != 1 {
		t.Fatalf("Process() kept %d, want 1", len(got))
	}
	if got[0] != b {
		t.Error("Process() should return the same packet object")
	}
	if b.StreamID != 7 || !b.Marker || !b.ArrivalTime.Equal(arrival) {
		t.Errorf("metadata = {%d %v %v}, want {7 true %v}", b.StreamID, b.Marker, b.ArrivalTime, arrival)
	}
}

func TestBuffer(t *testing.T) {
	src := []byte{1, 2, 3}
	b := NewBuffer(peerA, src)
	src[0] = 9
	if b.Bytes()[0] != 1 {
		t.Error("NewBuffer() should copy its input")
	}

	next := []byte{4, 5}
	b.SetBytes(next)
	next[0] = 9
	if string(b.Bytes()) != string([]byte{4, 5}) {
		t.Errorf("Bytes() = %v, want [4 5]", b.Bytes())
	}

	b.Release()
}

func TestDirection_String(t *testing.T) {
	if Egress.String() != "egress" || Ingress.String() != "ingress" {
		t.Errorf("String() = %q/%q", Egress.String(), Ingress.String())
	}
}

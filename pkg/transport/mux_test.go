package transport

import (
	"context"
	"testing"
	"time"
)

func TestMatchRange(t *testing.T) {
	tests := []struct {
		name  string
		match MatchFunc
		data  []byte
		want  bool
	}{
		{"handshake record", MatchHandshake, []byte{22, 0xFE, 0xFD}, true},
		{"alert record", MatchHandshake, []byte{21}, true},
		{"rtp is not handshake", MatchHandshake, []byte{0x80}, false},
		{"rtp", MatchSRTP, []byte{0x80, 96}, true},
		{"rtcp", MatchSRTP, []byte{0x81, 200}, true},
		{"stun is not rtp", MatchSRTP, []byte{0x00, 0x01}, false},
		{"empty", MatchSRTP, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.match(tt.data); got != tt.want {
				t.Errorf("match(%v) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestMux_Dispatch(t *testing.T) {
	p := NewPipe()
	defer p.Close()

	mux := NewMux(MuxConfig{Conn: p.Conn1()})
	handshake := mux.NewEndpoint(MatchHandshake)
	media := mux.NewEndpoint(MatchSRTP)
	if err := mux.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer mux.Close()

	if err := mux.Start(); err != ErrAlreadyStarted {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	p.Conn0().Send([]byte{0x80, 96, 0, 1})
	p.Conn0().Send([]byte{22, 0xFE, 0xFD, 1})
	p.Conn0().Send([]byte{0x00, 0x01}) // unmatched, dropped

	buf := make([]byte, 16)
	n, err := handshake.Receive(context.Background(), buf, time.Second)
	if err != nil {
		t.Fatalf("handshake Receive() error = %v", err)
	}
	if buf[0] != 22 || n != 4 {
		t.Errorf("handshake Receive() = %v", buf[:n])
	}

	n, err = media.Receive(context.Background(), buf, time.Second)
	if err != nil {
		t.Fatalf("media Receive() error = %v", err)
	}
	if buf[0] != 0x80 || n != 4 {
		t.Errorf("media Receive() = %v", buf[:n])
	}

	if _, err := media.Receive(context.Background(), buf, 20*time.Millisecond); err != ErrTimeout {
		t.Errorf("media Receive() error = %v, want ErrTimeout", err)
	}
}

func TestMux_SharedSend(t *testing.T) {
	p := NewPipe()
	defer p.Close()

	mux := NewMux(MuxConfig{Conn: p.Conn0()})
	ep := mux.NewEndpoint(MatchHandshake)
	mux.Start()
	defer mux.Close()

	if err := ep.Send([]byte{22, 1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	buf := make([]byte, 4)
	if _, err := p.Conn1().Receive(context.Background(), buf, time.Second); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if ep.LocalAddr().String() != "pipe:0" || ep.RemoteAddr().String() != "pipe:1" {
		t.Errorf("endpoint addresses = %v -> %v", ep.LocalAddr(), ep.RemoteAddr())
	}
}

func TestMux_CloseClosesEndpoints(t *testing.T) {
	p := NewPipe()
	defer p.Close()

	mux := NewMux(MuxConfig{Conn: p.Conn1()})
	ep := mux.NewEndpoint(MatchSRTP)
	mux.Start()

	done := make(chan error, 1)
	go func() {
		_, err := ep.Receive(context.Background(), make([]byte, 8), 5*time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	mux.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Errorf("Receive() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint Receive() did not unblock on Mux.Close")
	}
}

func TestMux_EndpointClose(t *testing.T) {
	p := NewPipe()
	defer p.Close()

	mux := NewMux(MuxConfig{Conn: p.Conn1()})
	first := mux.NewEndpoint(MatchSRTP)
	second := mux.NewEndpoint(MatchSRTP)
	mux.Start()
	defer mux.Close()

	first.Close()

	p.Conn0().Send([]byte{0x80, 0})
	if _, err := second.Receive(context.Background(), make([]byte, 8), time.Second); err != nil {
		t.Errorf("second endpoint Receive() error = %v", err)
	}
	if err := first.Send([]byte{0x80}); err != ErrClosed {
		t.Errorf("closed endpoint Send() error = %v, want ErrClosed", err)
	}
}

package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func newLoopbackPair(t *testing.T) (*UDPChannel, *UDPChannel) {
	t.Helper()

	connA, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	connB, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		connA.Close()
		t.Fatalf("ListenPacket() error = %v", err)
	}

	a, err := NewUDP(UDPConfig{Conn: connA, RemoteAddr: connB.LocalAddr()})
	if err != nil {
		t.Fatalf("NewUDP() error = %v", err)
	}
	b, err := NewUDP(UDPConfig{Conn: connB, RemoteAddr: connA.LocalAddr()})
	if err != nil {
		t.Fatalf("NewUDP() error = %v", err)
	}

	t.Cleanup(func() {
		a.Close()
		b.Close()
		connA.Close()
		connB.Close()
	})
	return a, b
}

func TestNewUDP_RequiresRemote(t *testing.T) {
	if _, err := NewUDP(UDPConfig{}); err != ErrInvalidAddress {
		t.Errorf("NewUDP() error = %v, want ErrInvalidAddress", err)
	}
}

func TestUDP_SendReceive(t *testing.T) {
	a, b := newLoopbackPair(t)

	data := []byte("over loopback")
	if err := a.Send(data); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	buf := make([]byte, MaxDatagramSize)
	n, err := b.Receive(context.Background(), buf, time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if !bytes.Equal(buf[:n], data) {
		t.Errorf("Receive() = %q, want %q", buf[:n], data)
	}
}

func TestUDP_ReceiveTimeout(t *testing.T) {
	a, _ := newLoopbackPair(t)

	_, err := a.Receive(context.Background(), make([]byte, 16), 20*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("Receive() error = %v, want ErrTimeout", err)
	}
}

func TestUDP_DiscardsForeignSource(t *testing.T) {
	a, b := newLoopbackPair(t)

	stranger, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer stranger.Close()

	stranger.WriteTo([]byte("spoofed"), b.LocalAddr())
	a.Send([]byte("genuine"))

	buf := make([]byte, 32)
	n, err := b.Receive(context.Background(), buf, time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(buf[:n]) != "genuine" {
		t.Errorf("Receive() = %q, want \"genuine\"", buf[:n])
	}
}

func TestUDP_CloseUnblocksReceive(t *testing.T) {
	a, _ := newLoopbackPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := a.Receive(context.Background(), make([]byte, 16), 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	a.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Errorf("Receive() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive() did not unblock on Close")
	}

	if err := a.Send([]byte("x")); err != ErrClosed {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}
}

func TestUDP_MessageTooLarge(t *testing.T) {
	a, _ := newLoopbackPair(t)

	if err := a.Send(make([]byte, MaxDatagramSize+1)); err != ErrMessageTooLarge {
		t.Errorf("Send() error = %v, want ErrMessageTooLarge", err)
	}
}

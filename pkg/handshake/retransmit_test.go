package handshake

import (
	"testing"
	"time"
)

func TestRetransmitPolicy_Defaults(t *testing.T) {
	p := RetransmitPolicy{}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
	}
	for n, want := range expected {
		if got := p.Interval(n); got != want {
			t.Errorf("Interval(%d) = %v, want %v", n, got, want)
		}
	}

	// The send and 5 retransmits, for each of the three exchanges.
	if got, want := p.FlightBudget(), 6300*time.Millisecond; got != want {
		t.Errorf("FlightBudget() = %v, want %v", got, want)
	}
	if got, want := p.Budget(), 18900*time.Millisecond; got != want {
		t.Errorf("Budget() = %v, want %v", got, want)
	}
}

func TestRetransmitPolicy_Fixed(t *testing.T) {
	p := RetransmitPolicy{InitialInterval: 50 * time.Millisecond, Backoff: BackoffFixed, MaxRetransmits: 2}

	for n := 0; n < 4; n++ {
		if got := p.Interval(n); got != 50*time.Millisecond {
			t.Errorf("Interval(%d) = %v, want 50ms", n, got)
		}
	}
	if got := p.Budget(); got != 450*time.Millisecond {
		t.Errorf("Budget() = %v, want 450ms", got)
	}
}

func TestRetransmitPolicy_NoRetransmits(t *testing.T) {
	p := RetransmitPolicy{InitialInterval: 10 * time.Millisecond, MaxRetransmits: NoRetransmits}

	if got := p.FlightBudget(); got != 10*time.Millisecond {
		t.Errorf("FlightBudget() = %v, want 10ms", got)
	}
	if got := p.Budget(); got != 30*time.Millisecond {
		t.Errorf("Budget() = %v, want 30ms", got)
	}

	// Defaults are stable: NoRetransmits is not mistaken for unset.
	if got := p.withDefaults().withDefaults().MaxRetransmits; got != NoRetransmits {
		t.Errorf("MaxRetransmits after withDefaults = %d, want %d", got, NoRetransmits)
	}
	if got := (RetransmitPolicy{MaxRetransmits: -7}).withDefaults().MaxRetransmits; got != NoRetransmits {
		t.Errorf("MaxRetransmits(-7) after withDefaults = %d, want %d", got, NoRetransmits)
	}
}

func TestRetransmitPolicy_Cap(t *testing.T) {
	p := RetransmitPolicy{InitialInterval: 40 * time.Second}
	if got := p.Interval(1); got != time.Minute {
		t.Errorf("Interval(1) = %v, want 1m", got)
	}
	if got := p.Interval(30); got != time.Minute {
		t.Errorf("Interval(30) = %v, want 1m", got)
	}

	p = RetransmitPolicy{InitialInterval: 2 * time.Minute}
	if got := p.Interval(0); got != time.Minute {
		t.Errorf("Interval(0) = %v, want 1m", got)
	}
}

func TestBackoff_String(t *testing.T) {
	tests := []struct {
		b    Backoff
		want string
	}{
		{BackoffExponential, "exponential"},
		{BackoffFixed, "fixed"},
		{Backoff(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.b.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

package handshake

import "time"

// Retransmission defaults.
const (
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxRetransmits  = 5
)

// NoRetransmits, as RetransmitPolicy.MaxRetransmits, leaves no time for a
// flight to be resent: each exchange must complete within one interval.
const NoRetransmits = -1

// maxInterval is where doubling stops (RFC 6347 section 4.2.4.1).
const maxInterval = 60 * time.Second

// handshakeExchanges is how many times each side waits on the other: the
// initiator for flights 2, 4 and 6, the responder for flights 1, 3 and 5.
const handshakeExchanges = 3

// Backoff selects how the wait grows between retransmissions of a flight.
type Backoff int

const (
	// BackoffExponential doubles the wait after every retransmission.
	BackoffExponential Backoff = iota
	// BackoffFixed waits InitialInterval every time.
	BackoffFixed
)

// String returns the backoff name.
func (b Backoff) String() string {
	switch b {
	case BackoffExponential:
		return "exponential"
	case BackoffFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// RetransmitPolicy controls when an unanswered flight is resent and how long
// the whole handshake may take.
//
//	interval(n) = min(InitialInterval * 2^n, 60s)   exponential
//	interval(n) = InitialInterval                   fixed
//
// where n is the number of retransmissions already made for the flight. The
// wait restarts from InitialInterval whenever the peer's flight arrives.
type RetransmitPolicy struct {
	// InitialInterval is the wait after the first transmission of a flight.
	// Default: DefaultInitialInterval (100ms)
	InitialInterval time.Duration

	// Backoff selects exponential (default) or fixed intervals.
	Backoff Backoff

	// MaxRetransmits is the number of retransmissions each flight may need
	// before the handshake runs out of time. Zero selects the default;
	// NoRetransmits (or any negative value) allows none.
	// Default: DefaultMaxRetransmits (5)
	MaxRetransmits int
}

// withDefaults returns the policy with zero fields replaced by defaults.
func (p RetransmitPolicy) withDefaults() RetransmitPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.InitialInterval > maxInterval {
		p.InitialInterval = maxInterval
	}
	switch {
	case p.MaxRetransmits == 0:
		p.MaxRetransmits = DefaultMaxRetransmits
	case p.MaxRetransmits < 0:
		p.MaxRetransmits = NoRetransmits
	}
	return p
}

// Interval returns the wait after transmission attempt n (0 for the first send).
func (p RetransmitPolicy) Interval(n int) time.Duration {
	p = p.withDefaults()
	if n < 0 || p.Backoff == BackoffFixed {
		n = 0
	}
	d := p.InitialInterval
	for i := 0; i < n && d < maxInterval; i++ {
		d *= 2
	}
	if d > maxInterval {
		d = maxInterval
	}
	return d
}

// FlightBudget returns the longest one flight can go unanswered: the waits
// after the first send and after every allowed retransmission.
func (p RetransmitPolicy) FlightBudget() time.Duration {
	p = p.withDefaults()
	var total time.Duration
	for n := 0; n <= max(p.MaxRetransmits, 0); n++ {
		total += p.Interval(n)
	}
	return total
}

// Budget bounds the whole handshake: FlightBudget for each of the exchanges
// a side waits on.
func (p RetransmitPolicy) Budget() time.Duration {
	return handshakeExchanges * p.FlightBudget()
}

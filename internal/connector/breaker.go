package connector

import (
	"sync"
	"time"

	"github.com/equivault/enclave-worker/internal/faults"
)

// breakerState tracks the outbound circuit for one venue host.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "OPEN"
	case breakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// breaker is a consecutive-failure circuit on the venue HTTP path. After
// tripThreshold consecutive failures the circuit opens for cooldown;
// the first probe after cooldown decides whether it closes again.
type breaker struct {
	mu            sync.Mutex
	state         breakerState
	consecutive   int
	openedAt      time.Time
	tripThreshold int
	cooldown      time.Duration
}

func newBreaker() *breaker {
	return &breaker{tripThreshold: 5, cooldown: 30 * time.Second}
}

// allow reports whether a request may go out. In half-open state exactly
// one probe is admitted per cooldown window.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return nil
		}
		return faults.New(faults.KindUpstreamUnavailable, "venue circuit open")
	default: // half-open, probe already in flight
		return faults.New(faults.KindUpstreamUnavailable, "venue circuit probing")
	}
}

func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.state = breakerClosed
		b.consecutive = 0
		return
	}
	b.consecutive++
	if b.state == breakerHalfOpen || b.consecutive >= b.tripThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
		b.consecutive = 0
	}
}

func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

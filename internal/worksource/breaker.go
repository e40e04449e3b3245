package worksource

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Breaker errors
var (
	ErrCircuitOpen     = errors.New("upstream circuit open")
	ErrTooManyRequests = errors.New("too many probe requests while half-open")
)

// BreakerState is the position of the upstream breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// Breaker stops calling an upstream that keeps failing. It never retries;
// a rejected call fails fast and the user retries by hand.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	probes           int
	consecutiveOK    int
	openedAt         time.Time
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	halfOpenMax      int
	now              func() time.Time

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewBreaker opens after failureThreshold consecutive failures and probes
// again once cooldown has passed.
func NewBreaker(failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	log.Printf("[CircuitBreaker] Initialized: threshold=%d failures, cooldown=%s", failureThreshold, cooldown)
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: 2,
		cooldown:         cooldown,
		halfOpenMax:      2,
		now:              time.Now,
	}
}

// Call runs fn unless the breaker is open. Only failures that count
// (see countable) move the breaker.
func (b *Breaker) Call(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.totalRejections++
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.probes = 1
		b.consecutiveOK = 0
		return nil
	case StateHalfOpen:
		if b.probes >= b.halfOpenMax {
			b.totalRejections++
			return ErrTooManyRequests
		}
		b.probes++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	if err != nil && countable(err) {
		b.totalFailures++
		b.failures++
		b.consecutiveOK = 0
		switch b.state {
		case StateClosed:
			if b.failures >= b.failureThreshold {
				b.open()
				log.Printf("[CircuitBreaker] %d consecutive upstream failures, rejecting calls for %s", b.failures, b.cooldown)
			}
		case StateHalfOpen:
			b.open()
			log.Printf("[CircuitBreaker] probe failed, staying open")
		}
		return
	}

	b.consecutiveOK++
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.consecutiveOK >= b.successThreshold {
			b.setState(StateClosed)
			b.failures = 0
		}
	}
}

func (b *Breaker) open() {
	b.setState(StateOpen)
	b.openedAt = b.now()
	b.probes = 0
}

func (b *Breaker) setState(s BreakerState) {
	if b.state != s {
		log.Printf("[CircuitBreaker] State transition: %s → %s", b.state, s)
	}
	b.state = s
}

// State returns the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns counters for the health endpoint.
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":            string(b.state),
		"total_calls":      b.totalCalls,
		"total_failures":   b.totalFailures,
		"total_rejections": b.totalRejections,
		"failure_count":    b.failures,
	}
}

// countable reports whether err says something about upstream health.
// Client errors (4xx) are the caller's fault and do not trip the breaker.
func countable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500 || he.Status == 429
	}
	return !errors.Is(err, errDecode) && !errors.Is(err, context.Canceled)
}

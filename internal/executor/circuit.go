package executor

import (
	"sync"
	"time"

	"github.com/leadwire/flowengine/pkg/schema"
)

// BreakerConfig tunes the per-host circuit breaker guarding outbound
// webhook calls.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens a host's
	// circuit.
	Threshold int
	// Cooldown is how long an open circuit rejects calls before letting
	// a single trial call through.
	Cooldown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// CircuitBreaker tracks consecutive outbound failures per target host
// so a dead endpoint stops consuming retry budget across runs. A host
// starts closed; at Threshold consecutive failures it opens and calls
// fail fast until Cooldown passes, when one trial call is allowed. The
// trial call's outcome closes or re-opens the circuit.
type CircuitBreaker struct {
	cfg   BreakerConfig
	mu    sync.Mutex
	hosts map[string]*hostState
}

type hostState struct {
	failures int
	openedAt time.Time
	halfOpen bool
}

// NewCircuitBreaker creates a breaker with no hosts tracked.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg.withDefaults(),
		hosts: make(map[string]*hostState),
	}
}

// Allow reports whether a call to host may proceed. While the host is
// open it returns a retryable CIRCUIT_OPEN error.
func (b *CircuitBreaker) Allow(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.hosts[host]
	if st == nil || st.failures < b.cfg.Threshold {
		return nil
	}
	if time.Since(st.openedAt) >= b.cfg.Cooldown && !st.halfOpen {
		st.halfOpen = true
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeCircuitOpen,
		"circuit open for host %q after %d consecutive failures", host, st.failures).
		WithDetails(map[string]any{
			"host":                 host,
			"consecutive_failures": st.failures,
		}).
		AsRetryable()
}

// Success closes the host's circuit.
func (b *CircuitBreaker) Success(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.hosts, host)
}

// Failure records a failed call. The circuit opens at the threshold and
// re-opens when the trial call fails.
func (b *CircuitBreaker) Failure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.hosts[host]
	if st == nil {
		st = &hostState{}
		b.hosts[host] = st
	}
	st.failures++
	st.halfOpen = false
	if st.failures >= b.cfg.Threshold {
		st.openedAt = time.Now()
	}
}

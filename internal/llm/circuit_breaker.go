package llm

import (
	"sync"
	"time"

	"github.com/rendis/flowgraph/pkg/schema"
)

// CircuitState is the state of one provider endpoint's breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls rejected until cooldown elapses
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures when a provider endpoint is taken out of rotation.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls that opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker settings used by NewClient.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	lastFail  time.Time
	trials    int
	config    BreakerConfig
}

// Breakers holds one circuit per provider endpoint.
type Breakers struct {
	mu       sync.Mutex
	circuits map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates an empty breaker set. Zero config fields take defaults.
func NewBreakers(config BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{
		circuits: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow reports whether a call to endpoint may proceed. It returns a
// CIRCUIT_OPEN error while the circuit is open or its trials are used up.
func (b *Breakers) Allow(endpoint string) error {
	cb := b.get(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := b.now().Sub(cb.lastFail)
		if elapsed >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.trials = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"LLM provider %s unavailable after %d consecutive failures", endpoint, cb.failures).
			WithDetails(map[string]any{
				"endpoint":             endpoint,
				"consecutive_failures": cb.failures,
				"retry_in":             (cb.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.trials >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"LLM provider %s is recovering, trial call already in flight", endpoint)
		}
		cb.trials++
	}
	return nil
}

// Success closes the endpoint's circuit.
func (b *Breakers) Success(endpoint string) {
	cb := b.get(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.trials = 0
	cb.state = CircuitClosed
}

// Failure counts a failed call and returns the resulting state. A failed
// trial call reopens the circuit immediately.
func (b *Breakers) Failure(endpoint string) CircuitState {
	cb := b.get(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFail = b.now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the endpoint's current state, moving open circuits whose
// cooldown has elapsed to half-open.
func (b *Breakers) State(endpoint string) CircuitState {
	cb := b.get(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && b.now().Sub(cb.lastFail) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.trials = 0
	}
	return cb.state
}

// Stats returns diagnostic counters for endpoint.
func (b *Breakers) Stats(endpoint string) map[string]any {
	cb := b.get(endpoint)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"endpoint":             endpoint,
		"state":                cb.state.String(),
		"consecutive_failures": cb.failures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (b *Breakers) get(endpoint string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.circuits[endpoint]
	if !ok {
		cb = &breaker{config: b.config}
		b.circuits[endpoint] = cb
	}
	return cb
}

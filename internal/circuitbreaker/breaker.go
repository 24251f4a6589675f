// Package circuitbreaker guards the remote deal API and relay from retry
// storms. Each key (one per remote dependency) has its own circuit.
//
//	closed --threshold consecutive failures--> open
//	open --cool-down elapsed--> half_open (one probe admitted)
//	half_open --probe ok--> closed, --probe failed--> open
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Call while a circuit rejects traffic.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit state transitions by dependency and target state.",
	}, []string{"key", "to_state"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls refused because the circuit was open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, rejectedTotal)
}

// circuit is the per-key state. Guarded by Breaker.mu.
type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// OnTransition registers fn to observe every state change. fn runs with
// the breaker unlocked.
func OnTransition(fn func(key string, from, to State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// Breaker holds one circuit per key.
type Breaker struct {
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	onTransition func(key string, from, to State)

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New opens a circuit after threshold consecutive failures and probes again
// after coolDown. Non-positive values select 5 failures and 30s.
func New(threshold int, coolDown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	b := &Breaker{
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Call runs fn when the circuit for key admits it and records the result.
// Errors for which countable returns false (a 4xx rejection, say) leave the
// circuit alone. A nil countable counts every error.
func (b *Breaker) Call(key string, fn func() error, countable func(error) bool) error {
	if !b.Allow(key) {
		rejectedTotal.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess(key)
	case countable == nil || countable(err):
		b.RecordFailure(key)
	default:
		// The dependency answered; treat it as alive.
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call to key may proceed. After the cool-down an
// open circuit admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return true
	}
	from := c.state
	admitted := true
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.coolDown {
			admitted = false
			break
		}
		b.setLocked(key, c, StateHalfOpen)
		c.probing = true
	case StateHalfOpen:
		admitted = !c.probing
		c.probing = true
	}
	to := c.state
	b.mu.Unlock()

	if admitted && from != to {
		b.notify(key, from, to)
	}
	return admitted
}

// RecordSuccess closes the circuit and clears its failure run.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	c.failures = 0
	c.probing = false
	from := b.setLocked(key, c, StateClosed)
	b.mu.Unlock()
	b.notify(key, from, StateClosed)
}

// RecordFailure extends the failure run. The circuit opens at the
// threshold, or at once when a probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	c.probing = false

	from, to := c.state, c.state
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		from = b.setLocked(key, c, StateOpen)
		to = StateOpen
	}
	b.mu.Unlock()
	b.notify(key, from, to)
}

// State returns key's state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// setLocked moves c to state and returns the previous state.
func (b *Breaker) setLocked(key string, c *circuit, state State) State {
	from := c.state
	if from != state {
		c.state = state
		transitionsTotal.WithLabelValues(key, state.String()).Inc()
	}
	return from
}

func (b *Breaker) notify(key string, from, to State) {
	if from != to && b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}

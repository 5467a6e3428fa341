// Package circuitbreaker stops calling a remote dependency after repeated
// outages and tries it again after a cooldown. Circuits are keyed, so the
// payment gateway can trip transfers without refusing charges.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the state of one circuit.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls refused until the cooldown elapses
	StateHalfOpen              // a single trial call is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrOpen is returned by Do when the circuit for a key refuses the call.
var ErrOpen = errors.New("circuit breaker open")

var (
	circuitOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "open",
		Help:      "1 while the circuit for a key is open or probing.",
	}, []string{"key"})

	circuitTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "trips_total",
		Help:      "Times a circuit opened, by key.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(circuitOpen, circuitTrips)
}

type circuit struct {
	state    State
	failures int       // consecutive
	openedAt time.Time // last transition to open
}

// Breaker holds one circuit per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(key string, from, to State)
}

// New creates a breaker that opens a key's circuit after threshold
// consecutive failures and tries again after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition registers fn to be called, under the breaker's lock, on
// every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Do runs fn unless key's circuit is refusing calls, then records the
// outcome. isFailure selects the errors that count as outages; a nil
// isFailure counts every error. Errors it rejects prove the remote
// answered and count as successes.
func (b *Breaker) Do(key string, fn func() error, isFailure func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed admits exactly one trial call.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.set(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// RecordSuccess closes key's circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state != StateClosed {
		b.set(key, c, StateClosed)
	}
}

// RecordFailure counts an outage for key. A failed trial call reopens the
// circuit immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.set(key, c, StateOpen)
	}
}

// State returns key's current state.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// OpenKeys lists keys that are open or probing, sorted.
func (b *Breaker) OpenKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k, c := range b.circuits {
		if c.state != StateClosed {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// set must be called with b.mu held.
func (b *Breaker) set(key string, c *circuit, to State) {
	from := c.state
	c.state = to
	switch to {
	case StateOpen:
		circuitOpen.WithLabelValues(key).Set(1)
		if from == StateClosed {
			circuitTrips.WithLabelValues(key).Inc()
		}
	case StateClosed:
		circuitOpen.WithLabelValues(key).Set(0)
	}
	if b.onChange != nil {
		b.onChange(key, from, to)
	}
}

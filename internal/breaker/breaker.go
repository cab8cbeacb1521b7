// Package breaker wraps calls to flaky downstreams behind sony/gobreaker,
// adding manual force-open/close for the admin surface and state metrics.
package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/ragline/ragline/internal/domain"
	"github.com/ragline/ragline/internal/metrics"
)

type Settings struct {
	FailureRatio float64       // trip threshold over the rolling window
	MinSamples   uint32        // minimum calls before the ratio is considered
	CoolDown     time.Duration // open duration before the half-open probe
	ProbeQuota   uint32        // successes allowed in half-open
}

func (s *Settings) fill() {
	if s.FailureRatio <= 0 {
		s.FailureRatio = 0.5
	}
	if s.MinSamples == 0 {
		s.MinSamples = 20
	}
	if s.CoolDown <= 0 {
		s.CoolDown = 30 * time.Second
	}
	if s.ProbeQuota == 0 {
		s.ProbeQuota = 3
	}
}

// Breaker is one named circuit. Execute short-circuits with a circuit_open
// error while open or forced open.
type Breaker struct {
	name     string
	settings Settings
	m        *metrics.Metrics

	mu     sync.Mutex
	cb     *gobreaker.CircuitBreaker
	forced atomic.Bool
}

func New(name string, s Settings, m *metrics.Metrics) *Breaker {
	s.fill()
	b := &Breaker{name: name, settings: s, m: m}
	b.cb = b.newGobreaker()
	b.publishState()
	return b
}

func (b *Breaker) newGobreaker() *gobreaker.CircuitBreaker {
	s := b.settings
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: s.ProbeQuota,
		Interval:    s.CoolDown, // rolling window for closed-state counts
		Timeout:     s.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinSamples {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zlog.Warn().
				Str("component", "breaker").
				Str("name", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit state change")
			b.publishState()
		},
	})
}

// Execute runs fn through the circuit. While open, the call never reaches fn
// and the caller gets a circuit_open error immediately.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.forced.Load() {
		return domain.ErrCircuitOpen("breaker " + b.name + " forced open")
	}

	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	b.publishState()
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.ErrCircuitOpen("breaker " + b.name + " open")
	}
	return err
}

// ForceOpen short-circuits every call until ForceClose, regardless of the
// underlying counters.
func (b *Breaker) ForceOpen() {
	b.forced.Store(true)
	b.publishState()
	zlog.Warn().Str("component", "breaker").Str("name", b.name).Msg("circuit forced open")
}

// ForceClose lifts a forced open and resets the counters by swapping in a
// fresh circuit.
func (b *Breaker) ForceClose() {
	b.forced.Store(false)
	b.mu.Lock()
	b.cb = b.newGobreaker()
	b.mu.Unlock()
	b.publishState()
	zlog.Info().Str("component", "breaker").Str("name", b.name).Msg("circuit force closed")
}

func (b *Breaker) State() string {
	if b.forced.Load() {
		return "open"
	}
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	switch cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func (b *Breaker) publishState() {
	var v float64
	switch b.State() {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	b.m.CircuitState.WithLabelValues(b.name).Set(v)
}

// Registry holds the process's named breakers so handlers and the admin
// surface resolve the same instances.
type Registry struct {
	defaults Settings
	m        *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(defaults Settings, m *metrics.Metrics) *Registry {
	defaults.fill()
	return &Registry{defaults: defaults, m: m, breakers: make(map[string]*Breaker)}
}

// Get returns the named breaker, creating it with the registry defaults on
// first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.defaults, r.m)
	r.breakers[name] = b
	return b
}

// Lookup returns the named breaker without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// States snapshots every breaker's state for the admin dump.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

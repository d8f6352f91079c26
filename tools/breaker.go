package tools

import (
	"errors"
	"sync"
	"time"

	"github.com/PipeOpsHQ/insight-runtime/observe/metrics"
)

var ErrCircuitOpen = errors.New("tools: circuit open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int           `yaml:"failureThreshold"`
	CoolDown         time.Duration `yaml:"coolDown"`
	// HalfOpenProbes is how many calls are let through after the cool-down.
	HalfOpenProbes int `yaml:"halfOpenProbes"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		HalfOpenProbes:   1,
	}
}

func (c BreakerConfig) normalize() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.CoolDown <= 0 {
		c.CoolDown = d.CoolDown
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

// Breaker is a closed / open / half-open circuit breaker for one tool.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(BreakerState)

	state    BreakerState
	failures int
	openedAt time.Time
	probes   int
}

func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg.normalize(), now: now}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen without
// waiting when it may not.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.CoolDown {
			return ErrCircuitOpen
		}
		b.setState(BreakerHalfOpen)
		b.probes = 1
		return nil
	case BreakerHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return ErrCircuitOpen
		}
		b.probes++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probes = 0
	if b.state != BreakerClosed {
		b.setState(BreakerClosed)
	}
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.trip()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.failures = 0
	b.probes = 0
	b.setState(BreakerOpen)
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

// BreakerSet hands out one breaker per tool name. A single set is shared by
// every job in the process so failures seen by one job protect the others.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(tool string, state BreakerState)
	breakers map[string]*Breaker
}

type BreakerSetOption func(*BreakerSet)

func WithBreakerClock(now func() time.Time) BreakerSetOption {
	return func(s *BreakerSet) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStateChange registers a callback invoked on every state transition.
// It runs with the breaker lock held and must not call back into the breaker.
func WithStateChange(fn func(tool string, state BreakerState)) BreakerSetOption {
	return func(s *BreakerSet) {
		s.onChange = fn
	}
}

func NewBreakerSet(cfg BreakerConfig, opts ...BreakerSetOption) *BreakerSet {
	s := &BreakerSet{
		cfg:      cfg.normalize(),
		now:      time.Now,
		onChange: reportBreakerState,
		breakers: map[string]*Breaker{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *BreakerSet) For(tool string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[tool]; ok {
		return b
	}
	b := NewBreaker(s.cfg, s.now)
	if s.onChange != nil {
		notify := s.onChange
		b.onChange = func(state BreakerState) { notify(tool, state) }
	}
	s.breakers[tool] = b
	return b
}

// States snapshots the state of every breaker created so far.
func (s *BreakerSet) States() map[string]BreakerState {
	s.mu.Lock()
	names := make(map[string]*Breaker, len(s.breakers))
	for n, b := range s.breakers {
		names[n] = b
	}
	s.mu.Unlock()

	out := make(map[string]BreakerState, len(names))
	for n, b := range names {
		out[n] = b.State()
	}
	return out
}

func reportBreakerState(tool string, state BreakerState) {
	metrics.SetBreakerState(tool, float64(state))
}

package executor

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerConfig tunes circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold opens the breaker once this many failures land
	// inside the rolling window.
	FailureThreshold int
	// Window is the rolling window failures are counted over.
	Window time.Duration
	// Cooldown is how long the breaker stays open before admitting a
	// single probe.
	Cooldown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Second
	}
	return c
}

// Breaker is a circuit breaker for a single target. Closed admits all
// work; open admits none; half-open admits exactly one probe whose
// outcome decides the next state.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    breakerState
	failures []time.Time
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Allow reports whether a delivery may proceed. In the half-open state
// only the first caller gets through as the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.probing = true
		return true
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Record feeds a delivery outcome back into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.probing = false
		if success {
			b.state = breakerClosed
			b.failures = nil
		} else {
			b.state = breakerOpen
			b.openedAt = time.Now()
		}
		return
	}

	if success {
		return
	}

	now := time.Now()
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if b.state == breakerClosed && len(b.failures) >= b.cfg.FailureThreshold {
		b.state = breakerOpen
		b.openedAt = now
	}
}

// Cooldown returns the configured open period.
func (b *Breaker) Cooldown() time.Duration {
	return b.cfg.Cooldown
}

// Open reports whether the breaker is currently rejecting work.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && time.Since(b.openedAt) < b.cfg.Cooldown
}

// BreakerSet holds one breaker per target, created on first use.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set sharing one config.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg.withDefaults(), breakers: map[string]*Breaker{}}
}

// For returns the breaker for a target.
func (s *BreakerSet) For(target string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[target]
	if !ok {
		b = NewBreaker(s.cfg)
		s.breakers[target] = b
	}
	return b
}

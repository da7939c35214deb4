// Package resilience provides the outage guard that sits in front of the durable stores. It is a circuit breaker:
// consecutive failures trip it into a cooldown during which every call fails fast, and the first attempt after the
// cooldown acts as the half-open probe.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/health"
	"github.com/tilemud/tilemud-server/internal/metrics"
)

// clock abstracts time for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Option configures an OutageGuard.
type Option func(*OutageGuard)

// WithClock injects a clock, used by tests to control the cooldown deadline.
func WithClock(c clock) Option {
	return func(g *OutageGuard) { g.clock = c }
}

// OutageGuard wraps durable-store operations. Callers follow the pattern AssertAvailable -> operation ->
// RecordSuccess/RecordFailure; Do bundles the three.
type OutageGuard struct {
	mu               sync.Mutex
	dependency       health.Dependency
	failureThreshold int
	cooldown         time.Duration
	failures         int
	tripped          bool
	cooldownUntil    time.Time
	signals          *health.Service
	log              zerolog.Logger
	clock            clock
}

// NewOutageGuard creates a guard for the named dependency. Failure and recovery samples are forwarded to the degraded
// signal service so clients learn about outages.
func NewOutageGuard(dep health.Dependency, failureThreshold int, cooldown time.Duration, signals *health.Service, logger zerolog.Logger, opts ...Option) *OutageGuard {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if cooldown <= 0 {
		cooldown = 15 * time.Second
	}
	g := &OutageGuard{
		dependency:       dep,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		signals:          signals,
		log:              logger.With().Str("component", "outage_guard").Str("dependency", string(dep)).Logger(),
		clock:            realClock{},
	}
	for _, opt := range opts {
		opt(g)
	}
	metrics.SetCircuitBreakerOpen(string(dep), false)
	return g
}

// AssertAvailable fails fast while the guard is in cooldown. Once the cooldown deadline passes, the trip is cleared and
// the next operation runs as the half-open probe.
func (g *OutageGuard) AssertAvailable() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.tripped {
		return nil
	}
	now := g.clock.Now()
	if now.Before(g.cooldownUntil) {
		retryAt := g.cooldownUntil
		return catalog.NewError(catalog.ReasonDatabaseUnavailable).
			WithDetail(fmt.Sprintf("data store unavailable, retry after %s", retryAt.Format(time.RFC3339))).
			WithRetryAfter(retryAt.Sub(now))
	}

	// Cooldown elapsed: clear the trip but keep the failure count so a failed probe re-trips immediately.
	g.tripped = false
	g.failures = g.failureThreshold - 1
	metrics.SetCircuitBreakerOpen(string(g.dependency), false)
	g.log.Info().Msg("Cooldown elapsed, allowing probe")
	return nil
}

// RecordSuccess clears the failure count and reports a healthy sample.
func (g *OutageGuard) RecordSuccess() {
	g.mu.Lock()
	wasTripped := g.tripped
	g.failures = 0
	g.tripped = false
	g.mu.Unlock()

	if wasTripped {
		metrics.SetCircuitBreakerOpen(string(g.dependency), false)
		g.log.Info().Msg("Data store recovered")
	}
	if g.signals != nil {
		g.signals.RecordSuccess(g.dependency)
	}
}

// RecordFailure counts a failure and trips the guard once the threshold is reached. An already-tripped guard has its
// cooldown extended.
func (g *OutageGuard) RecordFailure(err error) {
	g.mu.Lock()
	g.failures++
	trip := g.failures >= g.failureThreshold
	if trip {
		g.tripped = true
		g.cooldownUntil = g.clock.Now().Add(g.cooldown)
	}
	g.mu.Unlock()

	if trip {
		metrics.SetCircuitBreakerOpen(string(g.dependency), true)
		g.log.Warn().Err(err).Dur("cooldown", g.cooldown).Msg("Outage guard tripped")
	}
	if g.signals != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		g.signals.RecordFailure(g.dependency, msg)
	}
}

// Tripped reports whether the guard is currently failing fast.
func (g *OutageGuard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped && g.clock.Now().Before(g.cooldownUntil)
}

// Do runs fn under the guard: it asserts availability, runs the operation, and records the outcome.
func (g *OutageGuard) Do(fn func() error) error {
	if err := g.AssertAvailable(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		g.RecordFailure(err)
		return err
	}
	g.RecordSuccess()
	return nil
}

// Package health tracks the availability of the server's backing dependencies. Each dependency moves through an
// available / degraded / unavailable state machine with hysteresis so a single hiccup does not flap client-visible
// status, and every transition is fanned out to subscribers exactly once.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/protocol"
)

// Dependency names a tracked backing service.
type Dependency string

const (
	DependencyRedis    Dependency = "redis"
	DependencyPostgres Dependency = "postgres"
	DependencyMetrics  Dependency = "metrics"
	DependencyUnknown  Dependency = "unknown"
)

// Status is the tracked availability of a dependency.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// Transition is emitted to subscribers when a dependency changes status. Signal is "degraded" when the dependency
// worsens and "recovered" when it returns to available, matching the wire event.degraded status values.
type Transition struct {
	Dependency     Dependency
	Signal         string
	ObservedAt     time.Time
	Message        string
	PreviousStatus Status
	CurrentStatus  Status
}

// Options configures the hysteresis thresholds.
type Options struct {
	// FailureThreshold is the number of consecutive failures before a dependency is degraded.
	FailureThreshold int
	// RecoveryThreshold is the number of consecutive successes before a dependency recovers.
	RecoveryThreshold int
	// UnavailableThreshold is the number of consecutive failures before a dependency is unavailable. Must be >= the
	// failure threshold.
	UnavailableThreshold int
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{FailureThreshold: 2, RecoveryThreshold: 2, UnavailableThreshold: 6}
}

type record struct {
	status               Status
	consecutiveFailures  int
	consecutiveSuccesses int
	lastObservedAt       time.Time
}

// Service is the degraded signal service. All methods are safe for concurrent use.
type Service struct {
	mu   sync.Mutex
	opts Options
	deps map[Dependency]*record
	subs []chan Transition
	log  zerolog.Logger
	now  func() time.Time
}

// NewService creates a degraded signal service. Zero or negative thresholds fall back to the defaults.
func NewService(opts Options, logger zerolog.Logger) *Service {
	def := DefaultOptions()
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.RecoveryThreshold <= 0 {
		opts.RecoveryThreshold = def.RecoveryThreshold
	}
	if opts.UnavailableThreshold < opts.FailureThreshold {
		opts.UnavailableThreshold = def.UnavailableThreshold
		if opts.UnavailableThreshold < opts.FailureThreshold {
			opts.UnavailableThreshold = opts.FailureThreshold
		}
	}
	return &Service{
		opts: opts,
		deps: make(map[Dependency]*record),
		log:  logger.With().Str("component", "health").Logger(),
		now:  time.Now,
	}
}

// Subscribe registers a transition listener. The returned channel receives every transition emitted after the call, in
// emission order. Subscribers must drain the channel promptly.
func (s *Service) Subscribe() <-chan Transition {
	ch := make(chan Transition, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// RecordSuccess notes a successful operation against the dependency.
func (s *Service) RecordSuccess(dep Dependency) {
	s.observe(dep, true, "")
}

// RecordFailure notes a failed operation against the dependency. The message is carried on any resulting transition.
func (s *Service) RecordFailure(dep Dependency, message string) {
	s.observe(dep, false, message)
}

func (s *Service) observe(dep Dependency, success bool, message string) {
	s.mu.Lock()

	r, ok := s.deps[dep]
	if !ok {
		r = &record{status: StatusAvailable}
		s.deps[dep] = r
	}
	now := s.now()
	r.lastObservedAt = now

	var tr *Transition
	if success {
		r.consecutiveSuccesses++
		r.consecutiveFailures = 0
		if r.status != StatusAvailable && r.consecutiveSuccesses >= s.opts.RecoveryThreshold {
			tr = s.transitionLocked(dep, r, StatusAvailable, now, message)
		}
	} else {
		r.consecutiveFailures++
		r.consecutiveSuccesses = 0
		switch {
		case r.consecutiveFailures >= s.opts.UnavailableThreshold && r.status != StatusUnavailable:
			tr = s.transitionLocked(dep, r, StatusUnavailable, now, message)
		case r.consecutiveFailures >= s.opts.FailureThreshold && r.status == StatusAvailable:
			tr = s.transitionLocked(dep, r, StatusDegraded, now, message)
		}
	}

	subs := s.subs
	s.mu.Unlock()

	if tr != nil {
		for _, ch := range subs {
			ch <- *tr
		}
	}
}

// transitionLocked flips the record to next and returns the transition to emit. Caller holds the mutex.
func (s *Service) transitionLocked(dep Dependency, r *record, next Status, at time.Time, message string) *Transition {
	prev := r.status
	r.status = next

	signal := "degraded"
	if next == StatusAvailable {
		signal = "recovered"
	}

	s.log.Info().
		Str("dependency", string(dep)).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("Dependency status transition")

	return &Transition{
		Dependency:     dep,
		Signal:         signal,
		ObservedAt:     at,
		Message:        message,
		PreviousStatus: prev,
		CurrentStatus:  next,
	}
}

// StatusOf returns the current status of a dependency. Untracked dependencies are available.
func (s *Service) StatusOf(dep Dependency) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.deps[dep]; ok {
		return r.status
	}
	return StatusAvailable
}

// Snapshot returns every dependency that is not currently available, as wire degraded events. Used to bring newly
// joined clients up to date.
func (s *Service) Snapshot() []protocol.DegradedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []protocol.DegradedEvent
	for dep, r := range s.deps {
		if r.status == StatusAvailable {
			continue
		}
		out = append(out, protocol.DegradedEvent{
			Dependency: string(dep),
			Status:     "degraded",
			ObservedAt: r.lastObservedAt,
		})
	}
	return out
}

// Reset clears the counters and status for a dependency without emitting a transition.
func (s *Service) Reset(dep Dependency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deps, dep)
}

// WireEvent converts a transition into its event.degraded payload.
func WireEvent(tr Transition) protocol.DegradedEvent {
	return protocol.DegradedEvent{
		Dependency: string(tr.Dependency),
		Status:     tr.Signal,
		ObservedAt: tr.ObservedAt,
		Message:    tr.Message,
	}
}

// Package pipeline orders pending actions for resolution. The queue is bounded and deduplicates by action id (hard
// reject) and by an optional dedupe key (soft reject); drain order is a total order, so two nodes resolving the same
// backlog agree on the outcome.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/metrics"
	"github.com/tilemud/tilemud-server/internal/ratelimit"
)

// Category classifies the actor submitting an action. Lower values resolve first within a priority tier.
type Category int

const (
	CategoryScripted Category = iota
	CategoryNPC
	CategoryTile
)

// String returns the category name for logs.
func (c Category) String() string {
	switch c {
	case CategoryScripted:
		return "scripted"
	case CategoryNPC:
		return "npc"
	case CategoryTile:
		return "tile"
	default:
		return "unknown"
	}
}

// ErrDuplicateKey reports that another queued action already carries the same dedupe key. Unlike a repeated action id
// this is a soft rejection: the caller acknowledges the submission as a duplicate instead of erroring.
var ErrDuplicateKey = errors.New("an action with this dedupe key is already queued")

// Action is one queued action awaiting resolution.
type Action struct {
	ActionID     string
	SessionID    string
	CharacterID  string
	Category     Category
	PriorityTier int
	Initiative   int
	DedupeKey    string
	EnqueuedAt   time.Time
	Payload      []byte
}

// Less defines the resolution order: lower priority tier first, then category, then higher initiative, then earlier
// enqueue time, with the action id as the final tiebreak. The order is total, so equal actions cannot exist.
func Less(a, b Action) bool {
	if a.PriorityTier != b.PriorityTier {
		return a.PriorityTier < b.PriorityTier
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	if a.Initiative != b.Initiative {
		return a.Initiative > b.Initiative
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ActionID < b.ActionID
}

// DefaultCapacity bounds the queue when no explicit capacity is configured.
const DefaultCapacity = 512

// Queue is the bounded, deduplicating action queue. Tile actions are checked against the shared rate limiter on
// enqueue; scripted and NPC actions are trusted internal traffic and bypass it.
type Queue struct {
	mu         sync.Mutex
	actions    map[string]Action // keyed by action id
	dedupeKeys map[string]string // dedupe key -> queued action id
	capacity   int
	limiter    *ratelimit.Limiter
	log        zerolog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity overrides the queue bound.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// NewQueue creates an action queue. The limiter may be nil, in which case tile actions are not rate limited here.
func NewQueue(limiter *ratelimit.Limiter, logger zerolog.Logger, opts ...Option) *Queue {
	q := &Queue{
		actions:    make(map[string]Action),
		dedupeKeys: make(map[string]string),
		capacity:   DefaultCapacity,
		limiter:    limiter,
		log:        logger.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue admits an action into the queue. A repeated action id is rejected as a duplicate, a repeated dedupe key is
// soft-rejected with ErrDuplicateKey, and a full queue rejects with a retryable capacity error.
func (q *Queue) Enqueue(ctx context.Context, a Action) error {
	if a.Category == CategoryTile && q.limiter != nil {
		if err := q.limiter.Enforce(ctx, ratelimit.ChannelTileAction, a.CharacterID); err != nil {
			metrics.RecordPipelineRejection("rate_limit")
			return err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.actions[a.ActionID]; exists {
		metrics.RecordPipelineRejection("duplicate")
		return catalog.NewError(catalog.ReasonDuplicateAction).WithDetail("action id " + a.ActionID)
	}
	if a.DedupeKey != "" {
		if _, exists := q.dedupeKeys[a.DedupeKey]; exists {
			metrics.RecordPipelineRejection("dedupe_key")
			return ErrDuplicateKey
		}
	}
	if len(q.actions) >= q.capacity {
		metrics.RecordPipelineRejection("queue_full")
		q.log.Warn().Int("capacity", q.capacity).Msg("Action queue full")
		return catalog.NewError(catalog.ReasonQueueFull)
	}
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = time.Now()
	}
	q.actions[a.ActionID] = a
	if a.DedupeKey != "" {
		q.dedupeKeys[a.DedupeKey] = a.ActionID
	}
	return nil
}

// Peek returns up to limit actions in resolution order without removing them.
func (q *Queue) Peek(limit int) []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked(limit)
}

// DrainBatch removes and returns up to limit actions in resolution order.
func (q *Queue) DrainBatch(limit int) []Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.sortedLocked(limit)
	for _, a := range batch {
		q.deleteLocked(a)
	}
	return batch
}

// RemoveWhere deletes every queued action the predicate matches and returns how many were removed. Used when a session
// terminates and its pending actions must not resolve.
func (q *Queue) RemoveWhere(pred func(Action) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, a := range q.actions {
		if pred(a) {
			q.deleteLocked(a)
			removed++
		}
	}
	return removed
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = make(map[string]Action)
	q.dedupeKeys = make(map[string]string)
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// deleteLocked removes an action and releases its dedupe key. Caller holds the queue lock.
func (q *Queue) deleteLocked(a Action) {
	delete(q.actions, a.ActionID)
	if a.DedupeKey != "" && q.dedupeKeys[a.DedupeKey] == a.ActionID {
		delete(q.dedupeKeys, a.DedupeKey)
	}
}

func (q *Queue) sortedLocked(limit int) []Action {
	all := make([]Action, 0, len(q.actions))
	for _, a := range q.actions {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return Less(all[i], all[j]) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

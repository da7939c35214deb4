package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/ratelimit"
)

func TestResolutionOrder(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	q := NewQueue(nil, zerolog.Nop())
	ctx := context.Background()

	// Deliberately enqueued out of order.
	actions := []Action{
		{ActionID: "tile-late", Category: CategoryTile, PriorityTier: 1, Initiative: 5, EnqueuedAt: base.Add(2 * time.Second)},
		{ActionID: "scripted", Category: CategoryScripted, PriorityTier: 1, Initiative: 5, EnqueuedAt: base.Add(3 * time.Second)},
		{ActionID: "tier0", Category: CategoryTile, PriorityTier: 0, Initiative: 1, EnqueuedAt: base.Add(9 * time.Second)},
		{ActionID: "npc", Category: CategoryNPC, PriorityTier: 1, Initiative: 5, EnqueuedAt: base.Add(4 * time.Second)},
		{ActionID: "tile-early", Category: CategoryTile, PriorityTier: 1, Initiative: 5, EnqueuedAt: base.Add(1 * time.Second)},
		{ActionID: "tile-fast", Category: CategoryTile, PriorityTier: 1, Initiative: 9, EnqueuedAt: base.Add(5 * time.Second)},
	}
	for _, a := range actions {
		if err := q.Enqueue(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"tier0", "scripted", "npc", "tile-fast", "tile-early", "tile-late"}
	got := q.DrainBatch(0)
	if len(got) != len(want) {
		t.Fatalf("drained %d actions, want %d", len(got), len(want))
	}
	for i, a := range got {
		if a.ActionID != want[i] {
			t.Errorf("position %d = %s, want %s", i, a.ActionID, want[i])
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() after drain = %d", q.Len())
	}
}

func TestOrderIsTotalOnActionID(t *testing.T) {
	t.Parallel()

	at := time.Unix(1_700_000_000, 0)
	a := Action{ActionID: "aaa", Category: CategoryTile, PriorityTier: 1, Initiative: 5, EnqueuedAt: at}
	b := Action{ActionID: "bbb", Category: CategoryTile, PriorityTier: 1, Initiative: 5, EnqueuedAt: at}
	if !Less(a, b) || Less(b, a) {
		t.Error("identical actions must break the tie on action id")
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	t.Parallel()

	q := NewQueue(nil, zerolog.Nop())
	ctx := context.Background()
	a := Action{ActionID: "a1", Category: CategoryNPC}

	if err := q.Enqueue(ctx, a); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(ctx, a)
	if !errors.Is(err, catalog.NewError(catalog.ReasonDuplicateAction)) {
		t.Errorf("duplicate Enqueue error = %v, want duplicate_action", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestEnqueueDedupeKey(t *testing.T) {
	t.Parallel()

	q := NewQueue(nil, zerolog.Nop())
	ctx := context.Background()

	if err := q.Enqueue(ctx, Action{ActionID: "a1", Category: CategoryNPC, DedupeKey: "build-tower-7"}); err != nil {
		t.Fatal(err)
	}

	// A different action id with the same key is the soft duplicate.
	err := q.Enqueue(ctx, Action{ActionID: "a2", Category: CategoryNPC, DedupeKey: "build-tower-7"})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("same-key Enqueue error = %v, want ErrDuplicateKey", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}

	// Draining the original releases the key.
	if drained := q.DrainBatch(0); len(drained) != 1 || drained[0].ActionID != "a1" {
		t.Fatalf("drained = %+v", drained)
	}
	if err := q.Enqueue(ctx, Action{ActionID: "a3", Category: CategoryNPC, DedupeKey: "build-tower-7"}); err != nil {
		t.Errorf("Enqueue after drain error = %v, want key released", err)
	}

	// RemoveWhere releases it as well.
	q.RemoveWhere(func(a Action) bool { return a.ActionID == "a3" })
	if err := q.Enqueue(ctx, Action{ActionID: "a4", Category: CategoryNPC, DedupeKey: "build-tower-7"}); err != nil {
		t.Errorf("Enqueue after RemoveWhere error = %v, want key released", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(nil, zerolog.Nop(), WithCapacity(3))
	ctx := context.Background()

	for i := range 3 {
		if err := q.Enqueue(ctx, Action{ActionID: fmt.Sprintf("a%d", i), Category: CategoryNPC}); err != nil {
			t.Fatal(err)
		}
	}
	err := q.Enqueue(ctx, Action{ActionID: "overflow", Category: CategoryNPC})
	if !errors.Is(err, catalog.NewError(catalog.ReasonQueueFull)) {
		t.Errorf("Enqueue on full queue error = %v, want queue_full", err)
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	t.Parallel()

	q := NewQueue(nil, zerolog.Nop())
	ctx := context.Background()
	for i := range 5 {
		if err := q.Enqueue(ctx, Action{ActionID: fmt.Sprintf("a%d", i), Category: CategoryNPC, EnqueuedAt: time.Unix(int64(i), 0)}); err != nil {
			t.Fatal(err)
		}
	}

	peeked := q.Peek(2)
	if len(peeked) != 2 {
		t.Fatalf("Peek(2) returned %d actions", len(peeked))
	}
	if q.Len() != 5 {
		t.Errorf("Peek removed actions, Len() = %d", q.Len())
	}
	if peeked[0].ActionID != "a0" || peeked[1].ActionID != "a1" {
		t.Errorf("Peek order = %s, %s", peeked[0].ActionID, peeked[1].ActionID)
	}
}

func TestRemoveWhere(t *testing.T) {
	t.Parallel()

	q := NewQueue(nil, zerolog.Nop())
	ctx := context.Background()
	for i := range 4 {
		sess := "s1"
		if i%2 == 0 {
			sess = "s2"
		}
		if err := q.Enqueue(ctx, Action{ActionID: fmt.Sprintf("a%d", i), SessionID: sess, Category: CategoryNPC}); err != nil {
			t.Fatal(err)
		}
	}

	removed := q.RemoveWhere(func(a Action) bool { return a.SessionID == "s2" })
	if removed != 2 {
		t.Errorf("RemoveWhere removed %d, want 2", removed)
	}
	for _, a := range q.DrainBatch(0) {
		if a.SessionID == "s2" {
			t.Errorf("action %s for removed session survived", a.ActionID)
		}
	}
}

func TestTileActionsRateLimited(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Unix(1_700_000_000, 0)
	limiter := ratelimit.NewLimiter(rdb, "test", map[string][]ratelimit.Window{
		ratelimit.ChannelTileAction: {{Duration: time.Second, Limit: 2}},
	}, zerolog.Nop(), ratelimit.WithNow(func() time.Time { return now }))

	q := NewQueue(limiter, zerolog.Nop())
	ctx := context.Background()

	for i := range 2 {
		if err := q.Enqueue(ctx, Action{ActionID: fmt.Sprintf("t%d", i), CharacterID: "c1", Category: CategoryTile}); err != nil {
			t.Fatal(err)
		}
	}
	err := q.Enqueue(ctx, Action{ActionID: "t3", CharacterID: "c1", Category: CategoryTile})
	if !errors.Is(err, catalog.NewError(catalog.ReasonRateLimitExceeded)) {
		t.Errorf("third tile action error = %v, want rate_limit_exceeded", err)
	}

	// NPC actions bypass the tile limiter.
	if err := q.Enqueue(ctx, Action{ActionID: "npc", CharacterID: "c1", Category: CategoryNPC}); err != nil {
		t.Errorf("NPC action was limited: %v", err)
	}
}

package action

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/health"
	"github.com/tilemud/tilemud-server/internal/resilience"
)

type fakeRepository struct {
	mu        sync.Mutex
	events    map[string]map[int64]*Event // session id -> sequence -> event
	insertErr error
	inserts   int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{events: make(map[string]map[int64]*Event)}
}

func (r *fakeRepository) Insert(_ context.Context, params InsertParams) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return nil, r.insertErr
	}
	bySeq, ok := r.events[params.SessionID]
	if !ok {
		bySeq = make(map[int64]*Event)
		r.events[params.SessionID] = bySeq
	}
	if _, exists := bySeq[params.SequenceNumber]; exists {
		return nil, ErrDuplicate
	}
	r.inserts++
	e := &Event{
		ActionEventID:  uuid.NewString(),
		SessionID:      params.SessionID,
		UserID:         params.UserID,
		CharacterID:    params.CharacterID,
		SequenceNumber: params.SequenceNumber,
		IntentType:     params.IntentType,
		Payload:        params.Payload,
		AppliedAt:      params.AppliedAt,
		PersistedAt:    time.Now(),
	}
	bySeq[params.SequenceNumber] = e
	cp := *e
	return &cp, nil
}

func (r *fakeRepository) GetBySessionAndSequence(_ context.Context, sessionID string, seq int64) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[sessionID][seq]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *fakeRepository) GetLatestForSession(_ context.Context, sessionID string) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Event
	for _, e := range r.events[sessionID] {
		if latest == nil || e.SequenceNumber > latest.SequenceNumber {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeRepository) ListRecentForCharacter(_ context.Context, characterID string, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, bySeq := range r.events {
		for _, e := range bySeq {
			if e.CharacterID == characterID {
				out = append(out, *e)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestDurability(t *testing.T, repo Repository) *Durability {
	t.Helper()
	guard := resilience.NewOutageGuard(health.DependencyPostgres, 3, 15*time.Second, nil, zerolog.Nop())
	return NewDurability(repo, guard, zerolog.Nop())
}

func TestPersistSuccess(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	d := newTestDurability(t, repo)

	got, err := d.Persist(context.Background(), InsertParams{
		SessionID:      "s1",
		UserID:         "user-1",
		CharacterID:    "c1",
		SequenceNumber: 1,
		IntentType:     "intent.move",
		AppliedAt:      time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Persisted || got.Duplicate || got.ActionEventID == "" {
		t.Errorf("durability = %+v", got)
	}

	stored, err := repo.GetBySessionAndSequence(context.Background(), "s1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if stored.UserID != "user-1" {
		t.Errorf("stored user id = %q, want user-1", stored.UserID)
	}
}

func TestPersistDuplicateResolvesToOriginal(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	d := newTestDurability(t, repo)
	ctx := context.Background()
	params := InsertParams{SessionID: "s1", CharacterID: "c1", SequenceNumber: 1, IntentType: "intent.move", AppliedAt: time.Now()}

	first, err := d.Persist(ctx, params)
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Persist(ctx, params)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || !second.Persisted {
		t.Errorf("second persist = %+v, want duplicate success", second)
	}
	if second.ActionEventID != first.ActionEventID {
		t.Errorf("duplicate resolved to a different event: %s vs %s", second.ActionEventID, first.ActionEventID)
	}
	if repo.inserts != 1 {
		t.Errorf("inserts = %d, want 1", repo.inserts)
	}
}

func TestPersistFailureTripsGuard(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	repo.insertErr = errors.New("connection refused")
	d := newTestDurability(t, repo)
	ctx := context.Background()
	params := InsertParams{SessionID: "s1", CharacterID: "c1", SequenceNumber: 1, IntentType: "intent.move"}

	for range 3 {
		_, err := d.Persist(ctx, params)
		if !errors.Is(err, catalog.NewError(catalog.ReasonDatabaseUnavailable)) {
			t.Fatalf("Persist error = %v, want database_unavailable", err)
		}
	}

	// The guard is now tripped: the repository is no longer reached.
	before := repo.inserts
	if _, err := d.Persist(ctx, params); err == nil {
		t.Fatal("Persist should fail fast while tripped")
	}
	if repo.inserts != before {
		t.Error("tripped guard still reached the repository")
	}

	var catErr *catalog.Error
	_, err := d.Persist(ctx, params)
	if !errors.As(err, &catErr) || catErr.RetryAfter <= 0 {
		t.Errorf("fast-fail error should carry a retry-after hint, got %v", err)
	}
}

func TestLatestSequence(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	d := newTestDurability(t, repo)
	ctx := context.Background()

	if seq, err := d.LatestSequence(ctx, "s1"); err != nil || seq != 0 {
		t.Errorf("LatestSequence on empty session = (%d, %v), want 0", seq, err)
	}

	for _, n := range []int64{1, 2, 3} {
		if _, err := d.Persist(ctx, InsertParams{SessionID: "s1", CharacterID: "c1", SequenceNumber: n, IntentType: "intent.move"}); err != nil {
			t.Fatal(err)
		}
	}
	if seq, err := d.LatestSequence(ctx, "s1"); err != nil || seq != 3 {
		t.Errorf("LatestSequence = (%d, %v), want 3", seq, err)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	d := newTestDurability(t, repo)
	ctx := context.Background()

	for _, n := range []int64{1, 2} {
		if _, err := d.Persist(ctx, InsertParams{SessionID: "s1", CharacterID: "c1", SequenceNumber: n, IntentType: "intent.action"}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := d.History(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("History returned %d events, want 2", len(events))
	}
}

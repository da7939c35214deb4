package session

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func seed(t *testing.T, s *Store) Session {
	t.Helper()
	return s.CreateOrUpdate(CreateParams{
		SessionID:       "s1",
		UserID:          "u1",
		CharacterID:     "c1",
		ProtocolVersion: "1.0.0",
		Status:          StatusActive,
		LastHeartbeatAt: time.Now(),
	})
}

func TestCreateOrUpdate(t *testing.T) {
	t.Parallel()

	s := NewStore()
	sess := seed(t, s)
	if sess.SessionID != "s1" || sess.Status != StatusActive || sess.LastSequenceNumber != 0 {
		t.Errorf("created session = %+v", sess)
	}

	updated := s.CreateOrUpdate(CreateParams{
		SessionID:          "s1",
		UserID:             "u1",
		CharacterID:        "c1",
		ProtocolVersion:    "1.0.0",
		Status:             StatusGrace,
		LastSequenceNumber: 5,
		LastHeartbeatAt:    time.Now(),
	})
	if updated.Status != StatusGrace || updated.LastSequenceNumber != 5 {
		t.Errorf("updated session = %+v", updated)
	}
	if s.Count() != 1 {
		t.Errorf("Count() = %d, want 1", s.Count())
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRecordActionSequenceMonotone(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seed(t, s)

	if sess, _ := s.RecordActionSequence("s1", 3); sess.LastSequenceNumber != 3 {
		t.Errorf("LastSequenceNumber = %d, want 3", sess.LastSequenceNumber)
	}
	// A lower value never decreases the stored sequence.
	if sess, _ := s.RecordActionSequence("s1", 1); sess.LastSequenceNumber != 3 {
		t.Errorf("LastSequenceNumber after lower value = %d, want 3", sess.LastSequenceNumber)
	}
	if sess, _ := s.RecordActionSequence("s1", 7); sess.LastSequenceNumber != 7 {
		t.Errorf("LastSequenceNumber = %d, want 7", sess.LastSequenceNumber)
	}
}

func TestReconnectAttemptCounters(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seed(t, s)

	s.IncrementReconnectAttempts("s1")
	sess, _ := s.IncrementReconnectAttempts("s1")
	if sess.ReconnectAttempts != 2 {
		t.Errorf("ReconnectAttempts = %d, want 2", sess.ReconnectAttempts)
	}

	sess, _ = s.ResetReconnectAttempts("s1")
	if sess.ReconnectAttempts != 0 {
		t.Errorf("ReconnectAttempts after reset = %d, want 0", sess.ReconnectAttempts)
	}
}

func TestStatusAndHeartbeat(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seed(t, s)

	at := time.Now().Add(time.Minute)
	if sess, err := s.RecordHeartbeat("s1", at); err != nil || !sess.LastHeartbeatAt.Equal(at) {
		t.Errorf("RecordHeartbeat = (%+v, %v)", sess, err)
	}
	if sess, err := s.SetStatus("s1", StatusTerminating); err != nil || sess.Status != StatusTerminating {
		t.Errorf("SetStatus = (%+v, %v)", sess, err)
	}

	if _, err := s.SetStatus("absent", StatusActive); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetStatus on absent session error = %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seed(t, s)
	s.Remove("s1")
	if _, err := s.Get("s1"); !errors.Is(err, ErrNotFound) {
		t.Error("session should be gone after Remove")
	}
	s.Remove("s1") // no-op
}

func TestConcurrentMutations(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seed(t, s)

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			_, _ = s.RecordActionSequence("s1", seq)
			_, _ = s.IncrementReconnectAttempts("s1")
		}(int64(i))
	}
	wg.Wait()

	sess, err := s.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.LastSequenceNumber != 100 {
		t.Errorf("LastSequenceNumber = %d, want 100", sess.LastSequenceNumber)
	}
	if sess.ReconnectAttempts != 100 {
		t.Errorf("ReconnectAttempts = %d, want 100", sess.ReconnectAttempts)
	}
}

func TestNewSessionIDUnique(t *testing.T) {
	t.Parallel()

	if NewSessionID() == NewSessionID() {
		t.Error("NewSessionID() returned a duplicate")
	}
}

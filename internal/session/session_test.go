package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, slog.Default(), 0)
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	s := newTestService(t)
	tenantID, userID := uuid.New(), uuid.New()

	stored, err := s.Store(context.Background(), tenantID, userID, "sess-1", Context{
		ConversationState: map[string]any{"topic": "billing"},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if stored.StoredAt.IsZero() || stored.LastUpdated.IsZero() {
		t.Error("Store should stamp StoredAt and LastUpdated")
	}

	got, found, err := s.Get(context.Background(), tenantID, userID, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected the stored context to be found")
	}
	if got.ConversationState["topic"] != "billing" {
		t.Errorf("ConversationState[topic] = %v, want billing", got.ConversationState["topic"])
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestService(t)
	_, found, err := s.Get(context.Background(), uuid.New(), uuid.New(), "no-such-session")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expected found = false for a session that was never stored")
	}
}

// TestUpdateMergesShallowly exercises the merge-on-update semantics:
// new ConversationState/UserPreferences keys are added alongside
// existing ones, InterruptedQueries are concatenated and deduplicated,
// and RecentInteractions are appended.
func TestUpdateMergesShallowly(t *testing.T) {
	s := newTestService(t)
	tenantID, userID := uuid.New(), uuid.New()

	if _, err := s.Store(context.Background(), tenantID, userID, "sess-1", Context{
		ConversationState:  map[string]any{"topic": "billing"},
		InterruptedQueries: []string{"what is my balance"},
		RecentInteractions: []any{"turn-1"},
		UserPreferences:    map[string]any{"locale": "en-US"},
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	updated, err := s.Update(context.Background(), tenantID, userID, "sess-1", Update{
		ConversationState:  map[string]any{"step": 2},
		InterruptedQueries: []string{"what is my balance", "how do I cancel"},
		RecentInteractions: []any{"turn-2"},
		UserPreferences:    map[string]any{"preferred_tags": []string{"billing"}},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if updated.ConversationState["topic"] != "billing" || updated.ConversationState["step"] != 2 {
		t.Errorf("ConversationState = %+v, want both topic and step preserved", updated.ConversationState)
	}
	if updated.UserPreferences["locale"] != "en-US" {
		t.Error("existing preference key should survive a merge")
	}
	if len(updated.InterruptedQueries) != 2 {
		t.Errorf("InterruptedQueries = %v, want 2 deduplicated entries", updated.InterruptedQueries)
	}
	if len(updated.RecentInteractions) != 2 {
		t.Errorf("RecentInteractions = %v, want both turns appended", updated.RecentInteractions)
	}
}

// TestUpdateOnMissingSessionCreatesOne exercises the idempotent-empty-
// update path: Update against a session that was never Stored behaves
// like a fresh Store rather than erroring.
func TestUpdateOnMissingSessionCreatesOne(t *testing.T) {
	s := newTestService(t)
	tenantID, userID := uuid.New(), uuid.New()

	created, err := s.Update(context.Background(), tenantID, userID, "sess-new", Update{})
	if err != nil {
		t.Fatalf("Update on missing session: %v", err)
	}
	if created.SessionID != "sess-new" {
		t.Errorf("SessionID = %q, want sess-new", created.SessionID)
	}
	if created.ConversationState == nil || created.UserPreferences == nil {
		t.Error("an empty update should still produce initialized maps, not nil")
	}
}

func TestInterruptRecordsQueryAndState(t *testing.T) {
	s := newTestService(t)
	tenantID, userID := uuid.New(), uuid.New()

	res, err := s.Interrupt(context.Background(), tenantID, userID, "sess-1", "how do I reset my password", nil, nil, nil)
	if err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if res.InterruptedQuery != "how do I reset my password" {
		t.Errorf("InterruptedQuery = %q", res.InterruptedQuery)
	}
	if len(res.InterruptedQueries) != 1 {
		t.Fatalf("InterruptedQueries = %v, want 1 entry", res.InterruptedQueries)
	}

	stored, found, err := s.Get(context.Background(), tenantID, userID, "sess-1")
	if err != nil || !found {
		t.Fatalf("Get after Interrupt: found=%v err=%v", found, err)
	}
	if interrupted, _ := stored.ConversationState["interrupted"].(bool); !interrupted {
		t.Error("ConversationState[interrupted] should be true after Interrupt")
	}
}

// TestResumeRestoresInterruptedSession covers the interrupt-then-resume
// scenario: a session with a captured interruption reports CanResume
// and hands back the stored conversation state.
func TestResumeRestoresInterruptedSession(t *testing.T) {
	s := newTestService(t)
	tenantID, userID := uuid.New(), uuid.New()
	requestID := uuid.New()

	if _, err := s.Interrupt(context.Background(), tenantID, userID, "sess-1", "what's my order status", map[string]any{"order_id": "abc"}, []any{"turn-1"}, nil); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	res, err := s.Resume(context.Background(), requestID, tenantID, userID, "sess-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !res.CanResume {
		t.Error("CanResume should be true after an interruption was recorded")
	}
	if len(res.InterruptedQueries) != 1 {
		t.Errorf("InterruptedQueries = %v, want 1", res.InterruptedQueries)
	}
	if res.RestoredContext.ConversationState["order_id"] != "abc" {
		t.Error("RestoredContext should carry the conversation state captured at interruption")
	}
}

func TestResumeMissingSessionReturnsNotFound(t *testing.T) {
	s := newTestService(t)
	_, err := s.Resume(context.Background(), uuid.New(), uuid.New(), uuid.New(), "no-such-session")
	if err == nil {
		t.Fatal("expected an error for a session that was never stored")
	}
}

// TestGetMalformedContextTreatedAsMissing covers B4: a corrupted stored
// value (simulating e.g. a malformed last_updated field from a prior
// schema) must not surface as a decode error to the caller — Get treats
// it as if the session were never stored.
func TestGetMalformedContextTreatedAsMissing(t *testing.T) {
	s := newTestService(t)
	tenantID, userID := uuid.New(), uuid.New()

	key := s.key(tenantID, userID, "sess-bad")
	if err := s.rdb.Set(context.Background(), key, `{"last_updated": "not-a-timestamp"`, 0).Err(); err != nil {
		t.Fatalf("seeding malformed session record: %v", err)
	}

	_, found, err := s.Get(context.Background(), tenantID, userID, "sess-bad")
	if err != nil {
		t.Fatalf("Get on malformed record should not error, got: %v", err)
	}
	if found {
		t.Error("a malformed session record should be treated as not found")
	}
}

// TestCleanupRemovesStaleAndMalformedEntries covers B4's other half:
// Cleanup deletes both a key whose last_updated predates the threshold
// and a key whose stored JSON doesn't even parse.
func TestCleanupRemovesStaleAndMalformedEntries(t *testing.T) {
	s := newTestService(t)
	tenantID := uuid.New()

	if _, err := s.Store(context.Background(), tenantID, uuid.New(), "sess-fresh", Context{}); err != nil {
		t.Fatalf("Store fresh: %v", err)
	}

	stale, err := s.Store(context.Background(), tenantID, uuid.New(), "sess-stale", Context{})
	if err != nil {
		t.Fatalf("Store stale: %v", err)
	}
	stale.LastUpdated = time.Now().Add(-72 * time.Hour)
	if err := s.write(context.Background(), tenantID, stale.UserID, "sess-stale", stale); err != nil {
		t.Fatalf("rewriting stale record: %v", err)
	}

	malformedKey := s.key(tenantID, uuid.New(), "sess-corrupt")
	if err := s.rdb.Set(context.Background(), malformedKey, `not json at all`, 0).Err(); err != nil {
		t.Fatalf("seeding corrupt record: %v", err)
	}

	cleaned, err := s.Cleanup(context.Background(), tenantID, 48*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if cleaned != 2 {
		t.Errorf("cleaned = %d, want 2 (stale + malformed)", cleaned)
	}
}

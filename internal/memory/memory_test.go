package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lanternforge/ragcore/internal/reqctx"
)

// fakePrimary is a scriptable PrimaryClient double: each call can be
// made to fail so tests can drive the Coordinator's breaker into
// DEGRADED and back without a real memory backend.
type fakePrimary struct {
	addErr    error
	searchErr error
	probeErr  error
	records   []Record

	addCalls    int
	searchCalls int
}

func (f *fakePrimary) Add(ctx context.Context, userID uuid.UUID, messages []Message, metadata map[string]any) (string, error) {
	f.addCalls++
	if f.addErr != nil {
		return "", f.addErr
	}
	return "primary-memory-id", nil
}

func (f *fakePrimary) Search(ctx context.Context, userID uuid.UUID, query string, limit int, filters map[string]any) ([]Record, error) {
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.records, nil
}

func (f *fakePrimary) Probe(ctx context.Context) error {
	return f.probeErr
}

func newTestCoordinator(t *testing.T, primary PrimaryClient, fallbackOn bool) (*Coordinator, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(primary, rdb, logger, Config{FallbackEnabled: fallbackOn}, nil)
	return c, rdb
}

func ctxFor(tenantID, userID uuid.UUID) context.Context {
	return reqctx.New(context.Background(), reqctx.Context{
		TenantID:   tenantID,
		UserID:     userID,
		Role:       reqctx.RoleEndUser,
		AuthMethod: reqctx.AuthOpaqueKey,
	})
}

func TestAddUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &fakePrimary{}
	c, _ := newTestCoordinator(t, primary, true)
	userID := uuid.New()

	res, err := c.Add(ctxFor(uuid.New(), userID), userID, []Message{{Role: "user", Content: "hello"}}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res.Source != "primary" {
		t.Errorf("Source = %q, want primary", res.Source)
	}
	if primary.addCalls != 1 {
		t.Errorf("addCalls = %d, want 1", primary.addCalls)
	}
}

// TestAddFallsBackWhenPrimaryDown covers S4: once the primary fails,
// Add writes through to the Redis fallback instead of erroring.
func TestAddFallsBackWhenPrimaryDown(t *testing.T) {
	primary := &fakePrimary{addErr: errors.New("primary unreachable")}
	c, rdb := newTestCoordinator(t, primary, true)
	userID := uuid.New()
	tenantID := uuid.New()

	res, err := c.Add(ctxFor(tenantID, userID), userID, []Message{{Role: "user", Content: "hello"}}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res.Source != "fallback" {
		t.Errorf("Source = %q, want fallback", res.Source)
	}

	queueLen, err := rdb.LLen(context.Background(), "tenant:"+tenantID.String()+":mem0_write_queue").Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if queueLen != 1 {
		t.Errorf("write queue length = %d, want 1", queueLen)
	}
}

func TestAddFailsWhenPrimaryDownAndFallbackDisabled(t *testing.T) {
	primary := &fakePrimary{addErr: errors.New("primary unreachable")}
	c, _ := newTestCoordinator(t, primary, false)
	userID := uuid.New()

	if _, err := c.Add(ctxFor(uuid.New(), userID), userID, []Message{{Role: "user", Content: "hi"}}, nil); err == nil {
		t.Fatal("expected an error when the primary fails and fallback is disabled")
	}
}

func TestAddDeniesAccessForOtherUsers(t *testing.T) {
	primary := &fakePrimary{}
	c, _ := newTestCoordinator(t, primary, true)
	callerID, targetID := uuid.New(), uuid.New()

	ctx := ctxFor(uuid.New(), callerID)
	if _, err := c.Add(ctx, targetID, []Message{{Role: "user", Content: "hi"}}, nil); err == nil {
		t.Fatal("expected access denied for an END_USER acting on another user's memory")
	}
}

// TestSearchFallbackRanksByKeywordOverlap covers S4's read side: with
// the primary down, Search falls back to the Redis-stored records and
// ranks them by keyword overlap against the query.
func TestSearchFallbackRanksByKeywordOverlap(t *testing.T) {
	primary := &fakePrimary{searchErr: errors.New("primary unreachable")}
	c, _ := newTestCoordinator(t, primary, true)
	userID := uuid.New()
	tenantID := uuid.New()
	ctx := ctxFor(tenantID, userID)

	if _, err := c.writeFallback(ctx, userID, []Message{{Role: "user", Content: "how do I reset my billing password"}}, nil); err != nil {
		t.Fatalf("seeding fallback record: %v", err)
	}
	if _, err := c.writeFallback(ctx, userID, []Message{{Role: "user", Content: "what's the weather like today"}}, nil); err != nil {
		t.Fatalf("seeding fallback record: %v", err)
	}

	result, err := c.Search(ctx, userID, "billing password reset", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Source != "fallback" {
		t.Fatalf("Source = %q, want fallback", result.Source)
	}
	if len(result.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(result.Results))
	}
	if result.Results[0].RelevanceScore <= result.Results[1].RelevanceScore {
		t.Errorf("expected the billing record to rank above the unrelated one, got scores %v and %v",
			result.Results[0].RelevanceScore, result.Results[1].RelevanceScore)
	}
}

func TestNormalizeScoresAppliesPositionDecay(t *testing.T) {
	records := []Record{{MemoryID: "a"}, {MemoryID: "b"}, {MemoryID: "c"}}
	normalizeScores(records)

	want := []float64{1.0, 0.9, 0.8}
	for i, r := range records {
		if r.RelevanceScore != want[i] {
			t.Errorf("records[%d].RelevanceScore = %v, want %v", i, r.RelevanceScore, want[i])
		}
	}
}

func TestNormalizeScoresLeavesExistingScores(t *testing.T) {
	records := []Record{{MemoryID: "a", RelevanceScore: 0.42}}
	normalizeScores(records)
	if records[0].RelevanceScore != 0.42 {
		t.Errorf("RelevanceScore = %v, want unchanged 0.42", records[0].RelevanceScore)
	}
}

// TestDrainQueueReplaysOnRecovery covers S4's recovery half: once the
// primary starts succeeding again, DrainQueue replays queued fallback
// writes in order and removes them from the queue.
func TestDrainQueueReplaysOnRecovery(t *testing.T) {
	primary := &fakePrimary{}
	c, rdb := newTestCoordinator(t, primary, true)
	userID := uuid.New()
	tenantID := uuid.New()
	ctx := ctxFor(tenantID, userID)

	if _, err := c.writeFallback(ctx, userID, []Message{{Role: "user", Content: "queued while primary was down"}}, nil); err != nil {
		t.Fatalf("writeFallback: %v", err)
	}

	queueKey := "tenant:" + tenantID.String() + ":mem0_write_queue"
	before, err := rdb.LLen(context.Background(), queueKey).Result()
	if err != nil || before != 1 {
		t.Fatalf("queue length before drain = %d, err %v, want 1", before, err)
	}

	c.DrainQueue(ctx, tenantID)

	after, err := rdb.LLen(context.Background(), queueKey).Result()
	if err != nil {
		t.Fatalf("LLen after drain: %v", err)
	}
	if after != 0 {
		t.Errorf("queue length after drain = %d, want 0", after)
	}
	if primary.addCalls != 1 {
		t.Errorf("primary.addCalls = %d, want 1 (the queued entry replayed)", primary.addCalls)
	}
}

// TestDrainQueueDropsCorruptEntry covers B4's write-queue analogue:
// an entry that doesn't even unmarshal is dropped rather than wedging
// the drain loop forever.
func TestDrainQueueDropsCorruptEntry(t *testing.T) {
	primary := &fakePrimary{}
	c, rdb := newTestCoordinator(t, primary, true)
	tenantID := uuid.New()

	queueKey := "tenant:" + tenantID.String() + ":mem0_write_queue"
	if err := rdb.RPush(context.Background(), queueKey, "not valid json").Err(); err != nil {
		t.Fatalf("seeding corrupt queue entry: %v", err)
	}

	c.DrainQueue(context.Background(), tenantID)

	remaining, err := rdb.LLen(context.Background(), queueKey).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0 (corrupt entry dropped)", remaining)
	}
}

func TestRenderMessagesJoinsRoleAndContent(t *testing.T) {
	got := renderMessages([]Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	want := "user: hi\nassistant: hello"
	if got != want {
		t.Errorf("renderMessages = %q, want %q", got, want)
	}
}

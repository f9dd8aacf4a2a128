package recognition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lanternforge/ragcore/internal/memory"
	"github.com/lanternforge/ragcore/internal/session"
)

// fakeMemory is a scriptable memorySource double.
type fakeMemory struct {
	result memory.SearchResult
	err    error
	calls  int
}

func (f *fakeMemory) Search(ctx context.Context, userID uuid.UUID, query string, limit int, filters map[string]any) (memory.SearchResult, error) {
	f.calls++
	return f.result, f.err
}

// fakeSession is a scriptable sessionSource double.
type fakeSession struct {
	ctx   session.Context
	found bool
	err   error
}

func (f *fakeSession) Get(ctx context.Context, tenantID, userID uuid.UUID, sessionID string) (session.Context, bool, error) {
	return f.ctx, f.found, f.err
}

func newTestService(t *testing.T, mem memorySource, sess sessionSource) *Service {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(mem, sess, rdb, logger)
}

func TestRecognizeWithNoMemoryReturnsGenericGreeting(t *testing.T) {
	mem := &fakeMemory{result: memory.SearchResult{}}
	s := newTestService(t, mem, &fakeSession{})

	res, err := s.Recognize(context.Background(), uuid.New(), uuid.New(), "", false)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Greeting != "Welcome back! How can I help you today?" {
		t.Errorf("Greeting = %q", res.Greeting)
	}
	if res.MemoryCount != 0 {
		t.Errorf("MemoryCount = %d, want 0", res.MemoryCount)
	}
}

func TestRecognizeGreetsFromPreferenceMemory(t *testing.T) {
	mem := &fakeMemory{result: memory.SearchResult{Results: []memory.Record{
		{MemoryID: "preference_cuisine", Content: "Italian food"},
	}}}
	s := newTestService(t, mem, &fakeSession{})

	res, err := s.Recognize(context.Background(), uuid.New(), uuid.New(), "", false)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	want := "Welcome back! I remember you're interested in Italian food. How can I help you today?"
	if res.Greeting != want {
		t.Errorf("Greeting = %q, want %q", res.Greeting, want)
	}
}

func TestRecognizeUsesCacheOnSecondCall(t *testing.T) {
	mem := &fakeMemory{result: memory.SearchResult{Results: []memory.Record{
		{MemoryID: "topic_go", Content: "channels"},
	}}}
	tenantID, userID := uuid.New(), uuid.New()
	s := newTestService(t, mem, &fakeSession{})

	first, err := s.Recognize(context.Background(), tenantID, userID, "", true)
	if err != nil {
		t.Fatalf("first Recognize: %v", err)
	}
	if first.CacheHit {
		t.Error("first call should not be a cache hit")
	}
	if mem.calls != 1 {
		t.Fatalf("mem.calls after first call = %d, want 1", mem.calls)
	}

	second, err := s.Recognize(context.Background(), tenantID, userID, "", true)
	if err != nil {
		t.Fatalf("second Recognize: %v", err)
	}
	if !second.CacheHit {
		t.Error("second call should hit the cache")
	}
	if mem.calls != 1 {
		t.Errorf("mem.calls after second call = %d, want still 1 (cache should avoid a second Search)", mem.calls)
	}
}

// TestInvalidateClearsCache covers the invalidation hook internal/memory
// calls on a successful write: after Invalidate, a subsequent Recognize
// must hit the memory source again rather than stale cached data.
func TestInvalidateClearsCache(t *testing.T) {
	mem := &fakeMemory{result: memory.SearchResult{Results: []memory.Record{
		{MemoryID: "topic_go", Content: "channels"},
	}}}
	tenantID, userID := uuid.New(), uuid.New()
	s := newTestService(t, mem, &fakeSession{})

	if _, err := s.Recognize(context.Background(), tenantID, userID, "", true); err != nil {
		t.Fatalf("first Recognize: %v", err)
	}

	s.Invalidate(context.Background(), tenantID, userID)

	res, err := s.Recognize(context.Background(), tenantID, userID, "", true)
	if err != nil {
		t.Fatalf("Recognize after invalidate: %v", err)
	}
	if res.CacheHit {
		t.Error("a Recognize after Invalidate should not be a cache hit")
	}
	if mem.calls != 2 {
		t.Errorf("mem.calls = %d, want 2 (cache invalidated between calls)", mem.calls)
	}
}

func TestRecognizeSurvivesMemorySearchFailure(t *testing.T) {
	mem := &fakeMemory{err: errors.New("primary and fallback both down")}
	s := newTestService(t, mem, &fakeSession{})

	res, err := s.Recognize(context.Background(), uuid.New(), uuid.New(), "", false)
	if err != nil {
		t.Fatalf("Recognize should degrade gracefully rather than error: %v", err)
	}
	if res.MemoryCount != 0 {
		t.Errorf("MemoryCount = %d, want 0 when memory retrieval fails", res.MemoryCount)
	}
}

// TestRecognizeIncludesSessionContext covers S5's recognition-side
// effect: a found session context contributes its own preferences and
// recent interactions to the summary.
func TestRecognizeIncludesSessionContext(t *testing.T) {
	mem := &fakeMemory{result: memory.SearchResult{}}
	sess := &fakeSession{
		found: true,
		ctx: session.Context{
			UserPreferences:    map[string]any{"locale": "en-US"},
			RecentInteractions: []any{map[string]any{"query": "how do I reset my password"}},
			LastUpdated:        time.Now(),
		},
	}
	s := newTestService(t, mem, sess)

	res, err := s.Recognize(context.Background(), uuid.New(), uuid.New(), "sess-1", false)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if !res.ContextSummary.HasSessionContext {
		t.Error("HasSessionContext should be true when a session was found")
	}
	if res.ContextSummary.Preferences["locale"] != "en-US" {
		t.Errorf("Preferences = %+v, want locale carried from session", res.ContextSummary.Preferences)
	}
	if len(res.ContextSummary.RecentInteractions) != 1 || res.ContextSummary.RecentInteractions[0].MemoryValue != "how do I reset my password" {
		t.Errorf("RecentInteractions = %+v", res.ContextSummary.RecentInteractions)
	}
}

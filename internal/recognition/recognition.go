// Package recognition implements User Recognition (spec §4.11):
// recognizing a returning user, retrieving their memory through a
// Redis-cached layer in front of the Memory Coordinator, and generating
// a personalized greeting plus a context summary. Grounded on
// original_source/app/services/user_recognition.go's
// recognize_user/_generate_personalized_greeting/_generate_context_summary,
// re-expressed against internal/memory.Coordinator and
// internal/session.Service instead of the original's direct Mem0/Redis
// singletons.
package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lanternforge/ragcore/internal/memory"
	"github.com/lanternforge/ragcore/internal/session"
	"github.com/lanternforge/ragcore/internal/tenantkeys"
)

const (
	cacheTTL    = time.Hour
	perfWarnMS  = 100
	memoryLimit = 100
)

// Interaction is one recent interaction surfaced in a context summary.
type Interaction struct {
	MemoryKey   string `json:"memory_key,omitempty"`
	MemoryValue string `json:"memory_value,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// ContextSummary is the §4.11 context_summary block.
type ContextSummary struct {
	RecentInteractions []Interaction  `json:"recent_interactions"`
	Preferences        map[string]any `json:"preferences"`
	MemoryCount        int            `json:"memory_count"`
	HasSessionContext  bool           `json:"has_session_context"`
}

// Result is the §4.11 recognize_user response shape.
type Result struct {
	UserID         uuid.UUID      `json:"user_id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	Recognized     bool           `json:"recognized"`
	Greeting       string         `json:"greeting"`
	ContextSummary ContextSummary `json:"context_summary"`
	MemoryCount    int            `json:"memory_count"`
	CacheHit       bool           `json:"cache_hit"`
	ResponseTimeMS float64        `json:"response_time_ms"`
}

// cachedMemory is the payload stored under the recognition cache key.
type cachedMemory struct {
	Memories   []memoryEntry `json:"memories"`
	TotalCount int           `json:"total_count"`
	CachedAt   time.Time     `json:"cached_at"`
}

type memoryEntry struct {
	MemoryKey   string `json:"memory_key"`
	MemoryValue string `json:"memory_value"`
	Timestamp   string `json:"timestamp"`
}

// memorySource abstracts the Memory Coordinator so tests can stub it
// without standing up a real PrimaryClient/Redis pair.
type memorySource interface {
	Search(ctx context.Context, userID uuid.UUID, query string, limit int, filters map[string]any) (memory.SearchResult, error)
}

// sessionSource abstracts session context lookup.
type sessionSource interface {
	Get(ctx context.Context, tenantID, userID uuid.UUID, sessionID string) (session.Context, bool, error)
}

// Service implements recognize_user/invalidate_cache.
type Service struct {
	memory  memorySource
	session sessionSource
	rdb     *redis.Client
	logger  *slog.Logger
}

// New builds a Service.
func New(mem memorySource, sess sessionSource, rdb *redis.Client, logger *slog.Logger) *Service {
	return &Service{memory: mem, session: sess, rdb: rdb, logger: logger}
}

// Invalidate deletes the cached memory snapshot for (tenantID, userID).
// Implements the invalidator interface internal/memory.Coordinator calls
// on a successful write, closing the loop spec §4.8 describes.
func (s *Service) Invalidate(ctx context.Context, tenantID, userID uuid.UUID) {
	key := tenantkeys.UserRecognitionKey(tenantID, userID)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("failed to invalidate user recognition cache", "user_id", userID, "tenant_id", tenantID, "error", err)
	}
}

// Recognize implements recognize_user (spec §4.11).
func (s *Service) Recognize(ctx context.Context, tenantID, userID uuid.UUID, sessionID string, useCache bool) (Result, error) {
	start := time.Now()

	mem, cacheHit, err := s.retrieveMemory(ctx, tenantID, userID, useCache)
	if err != nil {
		s.logger.Warn("user recognition memory retrieval failed, proceeding with empty memory", "user_id", userID, "error", err)
		mem = cachedMemory{}
	}

	var sessCtx *session.Context
	if sessionID != "" {
		if sc, found, err := s.session.Get(ctx, tenantID, userID, sessionID); err != nil {
			s.logger.Warn("session context lookup failed during recognition", "session_id", sessionID, "error", err)
		} else if found {
			sessCtx = &sc
		}
	}

	greeting := generateGreeting(mem)
	summary := generateSummary(mem, sessCtx)

	elapsed := time.Since(start)
	if elapsed.Milliseconds() > perfWarnMS {
		s.logger.Warn("user recognition exceeded performance threshold", "user_id", userID,
			"response_time_ms", elapsed.Milliseconds(), "threshold_ms", perfWarnMS)
	}

	return Result{
		UserID:         userID,
		TenantID:       tenantID,
		Recognized:     true,
		Greeting:       greeting,
		ContextSummary: summary,
		MemoryCount:    mem.TotalCount,
		CacheHit:       cacheHit,
		ResponseTimeMS: msOf(elapsed),
	}, nil
}

func (s *Service) retrieveMemory(ctx context.Context, tenantID, userID uuid.UUID, useCache bool) (cachedMemory, bool, error) {
	key := tenantkeys.UserRecognitionKey(tenantID, userID)

	if useCache {
		raw, err := s.rdb.Get(ctx, key).Result()
		if err == nil {
			var cached cachedMemory
			if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
				return cached, true, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn("user recognition cache read failed", "error", err)
		}
	}

	result, err := s.memory.Search(ctx, userID, "*", memoryLimit, nil)
	if err != nil {
		return cachedMemory{}, false, err
	}

	entries := make([]memoryEntry, 0, len(result.Results))
	for _, rec := range result.Results {
		entries = append(entries, memoryEntry{
			MemoryKey:   rec.MemoryID,
			MemoryValue: rec.Content,
			Timestamp:   rec.CreatedAt.Format(time.RFC3339),
		})
	}
	fresh := cachedMemory{Memories: entries, TotalCount: len(entries), CachedAt: time.Now()}

	if useCache {
		if payload, err := json.Marshal(fresh); err == nil {
			if err := s.rdb.Set(ctx, key, payload, cacheTTL).Err(); err != nil {
				s.logger.Warn("user recognition cache write failed", "error", err)
			}
		}
	}

	return fresh, false, nil
}

func generateGreeting(mem cachedMemory) string {
	if len(mem.Memories) == 0 {
		return "Welcome back! How can I help you today?"
	}

	var preferences, interests []string
	for _, m := range mem.Memories {
		key := strings.ToLower(m.MemoryKey)
		switch {
		case strings.Contains(key, "preference") || strings.Contains(key, "like"):
			preferences = append(preferences, m.MemoryValue)
		case strings.Contains(key, "interest") || strings.Contains(key, "topic"):
			interests = append(interests, m.MemoryValue)
		}
	}

	switch {
	case len(preferences) > 0:
		return fmt.Sprintf("Welcome back! I remember you're interested in %s. How can I help you today?", preferences[0])
	case len(interests) > 0:
		return fmt.Sprintf("Welcome back! I see you've been working on %s. How can I help you today?", interests[0])
	default:
		suffix := "ies"
		if len(mem.Memories) == 1 {
			suffix = "y"
		}
		return fmt.Sprintf("Welcome back! I have %d memor%s about our previous conversations. How can I help you today?", len(mem.Memories), suffix)
	}
}

func generateSummary(mem cachedMemory, sessCtx *session.Context) ContextSummary {
	recent := make([]Interaction, 0, 5)
	for i, m := range mem.Memories {
		if i >= 5 {
			break
		}
		recent = append(recent, Interaction{MemoryKey: m.MemoryKey, MemoryValue: m.MemoryValue, Timestamp: m.Timestamp})
	}

	preferences := map[string]any{}
	for _, m := range mem.Memories {
		key := strings.ToLower(m.MemoryKey)
		if strings.Contains(key, "preference") {
			prefKey := strings.TrimSpace(strings.ReplaceAll(key, "preference", ""))
			preferences[prefKey] = m.MemoryValue
		}
	}

	hasSession := sessCtx != nil
	if sessCtx != nil {
		for k, v := range sessCtx.UserPreferences {
			preferences[k] = v
		}
		for i, interaction := range sessCtx.RecentInteractions {
			if i >= 5 {
				break
			}
			if m, ok := interaction.(map[string]any); ok {
				recent = append(recent, Interaction{
					MemoryValue: fmt.Sprintf("%v", m["query"]),
				})
			}
		}
	}

	if len(recent) > 10 {
		recent = recent[:10]
	}

	return ContextSummary{
		RecentInteractions: recent,
		Preferences:        preferences,
		MemoryCount:        mem.TotalCount,
		HasSessionContext:  hasSession,
	}
}

func msOf(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

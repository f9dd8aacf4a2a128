// Package session implements Session Continuity (spec §4.9): a
// Redis-backed conversation context store with merge-on-update
// semantics, interruption capture, and resumption. Grounded on
// original_source/app/services/session_context.go's store/get/update
// primitives and session_continuity.py's interrupt/resume layer built on
// top of them, re-expressed as one Go service since the split served
// Python's singleton-composition style rather than a distinct concern.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lanternforge/ragcore/internal/apierrors"
	"github.com/lanternforge/ragcore/internal/tenantkeys"
)

const (
	defaultTTL              = 24 * time.Hour
	defaultCleanupThreshold = 48 * time.Hour
	storePerfWarnMS         = 100
	resumePerfWarnMS        = 500
)

// Context is the stored conversation record (spec §4.9).
type Context struct {
	SessionID          string         `json:"session_id"`
	UserID             uuid.UUID      `json:"user_id"`
	TenantID           uuid.UUID      `json:"tenant_id"`
	ConversationState  map[string]any `json:"conversation_state"`
	InterruptedQueries []string       `json:"interrupted_queries"`
	RecentInteractions []any          `json:"recent_interactions"`
	UserPreferences    map[string]any `json:"user_preferences"`
	StoredAt           time.Time      `json:"stored_at"`
	LastUpdated        time.Time      `json:"last_updated"`
}

// Update is a set of fields to merge into a Context: ConversationState
// and UserPreferences are shallow-merged key-by-key (new keys win over
// existing ones), InterruptedQueries and RecentInteractions are
// concatenated, with InterruptedQueries deduplicated.
type Update struct {
	ConversationState  map[string]any
	InterruptedQueries []string
	RecentInteractions []any
	UserPreferences    map[string]any
}

// InterruptResult is returned by Interrupt.
type InterruptResult struct {
	SessionID          string    `json:"session_id"`
	UserID             uuid.UUID `json:"user_id"`
	TenantID           uuid.UUID `json:"tenant_id"`
	InterruptedAt      time.Time `json:"interrupted_at"`
	InterruptedQuery   string    `json:"interrupted_query,omitempty"`
	InterruptedQueries []string  `json:"interrupted_queries"`
	ResponseTimeMS     float64   `json:"response_time_ms"`
}

// ResumeResult is returned by Resume.
type ResumeResult struct {
	SessionID          string         `json:"session_id"`
	UserID             uuid.UUID      `json:"user_id"`
	TenantID           uuid.UUID      `json:"tenant_id"`
	RestoredContext    RestoredContext `json:"restored_context"`
	InterruptedQueries []string       `json:"interrupted_queries"`
	CanResume          bool           `json:"can_resume"`
	ResponseTimeMS     float64        `json:"response_time_ms"`
}

// RestoredContext is the subset of Context handed back on resumption.
type RestoredContext struct {
	ConversationState  map[string]any `json:"conversation_state"`
	RecentInteractions []any          `json:"recent_interactions"`
	UserPreferences    map[string]any `json:"user_preferences"`
}

// Service is the Redis-backed Session Continuity store.
type Service struct {
	rdb    *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// New builds a Service. ttl of 0 uses the reference default (24h).
func New(rdb *redis.Client, logger *slog.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{rdb: rdb, logger: logger, ttl: ttl}
}

func (s *Service) key(tenantID, userID uuid.UUID, sessionID string) string {
	return tenantkeys.Session(tenantID, userID, sessionID)
}

// Store writes a fresh Context, replacing whatever was there (spec §4.9
// "store"). stored_at is set now; last_updated matches it.
func (s *Service) Store(ctx context.Context, tenantID, userID uuid.UUID, sessionID string, c Context) (Context, error) {
	start := time.Now()

	c.SessionID = sessionID
	c.UserID = userID
	c.TenantID = tenantID
	if c.ConversationState == nil {
		c.ConversationState = map[string]any{}
	}
	if c.UserPreferences == nil {
		c.UserPreferences = map[string]any{}
	}
	c.StoredAt = start
	c.LastUpdated = start

	if err := s.write(ctx, tenantID, userID, sessionID, c); err != nil {
		return Context{}, err
	}

	s.warnIfSlow("store", start, storePerfWarnMS)
	return c, nil
}

// Get retrieves a Context, or (Context{}, false, nil) if none is stored.
func (s *Service) Get(ctx context.Context, tenantID, userID uuid.UUID, sessionID string) (Context, bool, error) {
	start := time.Now()
	defer s.warnIfSlow("get", start, storePerfWarnMS)

	raw, err := s.rdb.Get(ctx, s.key(tenantID, userID, sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Context{}, false, nil
	}
	if err != nil {
		return Context{}, false, err
	}

	var c Context
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		s.logger.Error("corrupt session context, treating as missing", "session_id", sessionID, "error", err)
		return Context{}, false, nil
	}
	return c, true, nil
}

// Update merges u into the stored Context, creating one if none exists
// (spec §4.9 "update": shallow-merge state/preferences, concatenate
// interrupted_queries (deduplicated) and recent_interactions).
func (s *Service) Update(ctx context.Context, tenantID, userID uuid.UUID, sessionID string, u Update) (Context, error) {
	existing, found, err := s.Get(ctx, tenantID, userID, sessionID)
	if err != nil {
		return Context{}, err
	}
	if !found {
		return s.Store(ctx, tenantID, userID, sessionID, Context{
			ConversationState:  u.ConversationState,
			InterruptedQueries: dedupe(u.InterruptedQueries),
			RecentInteractions: u.RecentInteractions,
			UserPreferences:    u.UserPreferences,
		})
	}

	existing.ConversationState = mergeMaps(existing.ConversationState, u.ConversationState)
	existing.UserPreferences = mergeMaps(existing.UserPreferences, u.UserPreferences)
	existing.InterruptedQueries = dedupe(append(existing.InterruptedQueries, u.InterruptedQueries...))
	existing.RecentInteractions = append(existing.RecentInteractions, u.RecentInteractions...)
	existing.LastUpdated = time.Now()

	if err := s.write(ctx, tenantID, userID, sessionID, existing); err != nil {
		return Context{}, err
	}
	return existing, nil
}

func (s *Service) write(ctx context.Context, tenantID, userID uuid.UUID, sessionID string, c Context) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(tenantID, userID, sessionID), payload, s.ttl).Err()
}

// Interrupt captures an in-flight query and conversation state on
// interruption, merging with any prior stored context (spec §4.9
// "interrupt"). Returns ERROR-equivalent only via the returned error;
// callers translate.
func (s *Service) Interrupt(ctx context.Context, tenantID, userID uuid.UUID, sessionID, currentQuery string, conversationState map[string]any, recentInteractions []any, userPreferences map[string]any) (InterruptResult, error) {
	start := time.Now()

	var newQueries []string
	if currentQuery != "" {
		newQueries = []string{currentQuery}
	}
	if conversationState == nil {
		conversationState = map[string]any{}
	}
	conversationState["interrupted"] = true
	conversationState["interrupted_at"] = start.UTC().Format(time.RFC3339)

	updated, err := s.Update(ctx, tenantID, userID, sessionID, Update{
		ConversationState:  conversationState,
		InterruptedQueries: newQueries,
		RecentInteractions: recentInteractions,
		UserPreferences:    userPreferences,
	})
	if err != nil {
		return InterruptResult{}, err
	}

	elapsed := time.Since(start)
	s.logger.Info("session interrupted", "session_id", sessionID, "user_id", userID, "tenant_id", tenantID,
		"interrupted_queries_count", len(updated.InterruptedQueries), "response_time_ms", elapsed.Milliseconds())

	return InterruptResult{
		SessionID:          sessionID,
		UserID:             userID,
		TenantID:           tenantID,
		InterruptedAt:      start,
		InterruptedQuery:   currentQuery,
		InterruptedQueries: updated.InterruptedQueries,
		ResponseTimeMS:     msOf(elapsed),
	}, nil
}

// Resume loads the stored Context, marks it resumed, writes it back,
// and returns the restored state (spec §4.9 "resume"). Returns
// apierrors.ResourceNotFound-shaped error if no context exists.
func (s *Service) Resume(ctx context.Context, requestID, tenantID, userID uuid.UUID, sessionID string) (ResumeResult, error) {
	start := time.Now()

	existing, found, err := s.Get(ctx, tenantID, userID, sessionID)
	if err != nil {
		return ResumeResult{}, err
	}
	if !found {
		return ResumeResult{}, apierrors.ResourceNotFound(requestID, "session_context", sessionID)
	}

	if existing.ConversationState == nil {
		existing.ConversationState = map[string]any{}
	}
	existing.ConversationState["resumed"] = true
	existing.ConversationState["resumed_at"] = time.Now().UTC().Format(time.RFC3339)
	existing.LastUpdated = time.Now()

	if err := s.write(ctx, tenantID, userID, sessionID, existing); err != nil {
		return ResumeResult{}, err
	}

	elapsed := time.Since(start)
	if elapsed.Milliseconds() > resumePerfWarnMS {
		s.logger.Warn("session resumption exceeded performance threshold", "session_id", sessionID,
			"response_time_ms", elapsed.Milliseconds(), "threshold_ms", resumePerfWarnMS)
	}
	s.logger.Info("session resumed", "session_id", sessionID, "user_id", userID, "tenant_id", tenantID,
		"interrupted_queries_count", len(existing.InterruptedQueries), "response_time_ms", elapsed.Milliseconds())

	return ResumeResult{
		SessionID: sessionID,
		UserID:    userID,
		TenantID:  tenantID,
		RestoredContext: RestoredContext{
			ConversationState:  existing.ConversationState,
			RecentInteractions: existing.RecentInteractions,
			UserPreferences:    existing.UserPreferences,
		},
		InterruptedQueries: existing.InterruptedQueries,
		CanResume:          len(existing.InterruptedQueries) > 0,
		ResponseTimeMS:      msOf(elapsed),
	}, nil
}

// Cleanup deletes every session key for tenantID whose last_updated (or
// stored_at) is older than threshold (spec §4.9 "cleanup"). A
// threshold of 0 uses the reference default (48h).
func (s *Service) Cleanup(ctx context.Context, tenantID uuid.UUID, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = defaultCleanupThreshold
	}
	pattern := tenantkeys.Prefix(tenantID, "user:*:session:*")
	cutoff := time.Now().Add(-threshold)

	cleaned := 0
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			s.logger.Error("session cleanup scan read failed", "key", key, "error", err)
			continue
		}

		var c Context
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			s.rdb.Del(ctx, key)
			cleaned++
			continue
		}

		lastActivity := c.LastUpdated
		if lastActivity.IsZero() {
			lastActivity = c.StoredAt
		}
		if lastActivity.IsZero() || lastActivity.Before(cutoff) {
			s.rdb.Del(ctx, key)
			cleaned++
		}
	}
	if err := iter.Err(); err != nil {
		return cleaned, err
	}

	s.logger.Info("session cleanup completed", "tenant_id", tenantID, "cleaned_count", cleaned, "threshold", threshold)
	return cleaned, nil
}

func mergeMaps(existing, updates map[string]any) map[string]any {
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range updates {
		existing[k] = v
	}
	return existing
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func msOf(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

func (s *Service) warnIfSlow(operation string, start time.Time, thresholdMS int64) {
	elapsed := time.Since(start)
	if elapsed.Milliseconds() > thresholdMS {
		s.logger.Warn("session operation exceeded performance threshold", "operation", operation,
			"response_time_ms", elapsed.Milliseconds(), "threshold_ms", thresholdMS)
	}
}

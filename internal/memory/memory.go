// Package memory implements the Memory Coordinator (spec §4.8): a
// uniform add/search surface over a primary semantic memory service and
// a Redis key-value fallback, with gobreaker-based health tracking,
// write queuing during an outage, and drain-on-recovery. Grounded on
// original_source/app/services/mem0_client.py's add_memory/search_memory
// (try-primary-then-fallback-to-Redis shape), re-expressed with
// sony/gobreaker driving the HEALTHY/DEGRADED transition instead of the
// original's bare try/except.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/lanternforge/ragcore/internal/apierrors"
	"github.com/lanternforge/ragcore/internal/reqctx"
	"github.com/lanternforge/ragcore/internal/telemetry"
	"github.com/lanternforge/ragcore/internal/tenantkeys"
)

// Message is one turn of conversation passed to add.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Record is a ranked memory returned by search.
type Record struct {
	MemoryID       string         `json:"memory_id"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RelevanceScore float64        `json:"relevance_score"`
	Source         string         `json:"source"` // "primary" | "fallback"
	CreatedAt      time.Time      `json:"created_at"`
}

// AddResult is the outcome of a write.
type AddResult struct {
	Success bool   `json:"success"`
	Source  string `json:"source"` // "primary" | "fallback"
	MemoryID string `json:"memory_id,omitempty"`
}

// SearchResult is the outcome of a read.
type SearchResult struct {
	Results []Record `json:"results"`
	Source  string   `json:"source"`
}

// PrimaryClient is the external semantic memory backend. Implementations
// wrap whatever transport the deployment's memory service speaks (REST,
// gRPC); this package only depends on the shape.
type PrimaryClient interface {
	Add(ctx context.Context, userID uuid.UUID, messages []Message, metadata map[string]any) (memoryID string, err error)
	Search(ctx context.Context, userID uuid.UUID, query string, limit int, filters map[string]any) ([]Record, error)
	Probe(ctx context.Context) error
}

// invalidator is implemented by internal/recognition's cache; kept as a
// narrow interface here to avoid an import cycle (memory -> recognition
// would be backwards, since recognition already reads memory).
type invalidator interface {
	Invalidate(ctx context.Context, tenantID, userID uuid.UUID)
}

const (
	fallbackTTL        = 24 * time.Hour
	performanceWarnMS  = 100
	probeTimeout       = 500 * time.Millisecond
)

// Coordinator implements spec §4.8.
type Coordinator struct {
	primary       PrimaryClient
	rdb           *redis.Client
	logger        *slog.Logger
	breaker       *gobreaker.CircuitBreaker
	fallbackOn    bool
	recognition   invalidator
}

// Config tunes the circuit breaker backing primary-backend health
// tracking.
type Config struct {
	FallbackEnabled    bool
	BreakerMaxRequests uint32        // half-open probe budget
	BreakerInterval    time.Duration // closed-state counter reset period
	BreakerTimeout     time.Duration // open -> half-open cooldown
	// ConsecutiveFailures trips the breaker from CLOSED to OPEN (spec
	// §4.8's "after the final [retry] attempt, the state flips to
	// DEGRADED" — the retry loop lives in probeWithBackoff below, the
	// breaker counts its outcome).
	ConsecutiveFailures uint32
}

// New builds a Coordinator. recognition may be nil if the User
// Recognition cache invalidation hook (§4.8's last paragraph) is not
// wired in this deployment.
func New(primary PrimaryClient, rdb *redis.Client, logger *slog.Logger, cfg Config, recognition invalidator) *Coordinator {
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = 1
	}
	if cfg.BreakerInterval == 0 {
		cfg.BreakerInterval = 30 * time.Second
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 10 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 3
	}

	c := &Coordinator{
		primary:     primary,
		rdb:         rdb,
		logger:      logger,
		fallbackOn:  cfg.FallbackEnabled,
		recognition: recognition,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "memory-primary",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			healthy := to != gobreaker.StateOpen
			if healthy {
				telemetry.MemoryCoordinatorHealthy.Set(1)
			} else {
				telemetry.MemoryCoordinatorHealthy.Set(0)
			}
			logger.Info("memory coordinator state change", "from", from.String(), "to", to.String())
		},
	})
	telemetry.MemoryCoordinatorHealthy.Set(1)

	return c
}

// Healthy reports whether the breaker currently considers the primary
// backend HEALTHY (CLOSED or HALF-OPEN) rather than DEGRADED (OPEN).
func (c *Coordinator) Healthy() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

func checkAccess(ctx context.Context, targetUserID uuid.UUID) error {
	if reqctx.RoleOf(ctx) == reqctx.RoleTenantAdmin || reqctx.RoleOf(ctx) == reqctx.RoleUberAdmin {
		return nil
	}
	if reqctx.UserID(ctx) != targetUserID {
		return &accessDenied{target: targetUserID}
	}
	return nil
}

type accessDenied struct{ target uuid.UUID }

func (e *accessDenied) Error() string { return "memory access denied for target user " + e.target.String() }

// ToAPIError translates a Coordinator error into the wire error shape.
func ToAPIError(requestID uuid.UUID, err error) *apierrors.Error {
	var denied *accessDenied
	if errors.As(err, &denied) {
		return apierrors.MemoryAccess(requestID, denied.target)
	}
	return apierrors.ServiceUnavailable(requestID, "memory", "memory operation failed")
}

// Add implements the write path (spec §4.8 "Write path (add)").
func (c *Coordinator) Add(ctx context.Context, userID uuid.UUID, messages []Message, metadata map[string]any) (AddResult, error) {
	start := time.Now()
	defer c.observe("add", start)

	if err := checkAccess(ctx, userID); err != nil {
		return AddResult{}, err
	}

	if c.Healthy() {
		memID, err := c.tryPrimaryAdd(ctx, userID, messages, metadata)
		if err == nil {
			c.drainQueue(ctx, reqctx.TenantID(ctx))
			c.invalidateRecognition(ctx, userID)
			return AddResult{Success: true, Source: "primary", MemoryID: memID}, nil
		}
		c.logger.Warn("primary memory add failed, falling back", "error", err)
	}

	if !c.fallbackOn {
		return AddResult{}, errors.New("primary memory backend unavailable and fallback disabled")
	}

	memID, err := c.writeFallback(ctx, userID, messages, metadata)
	if err != nil {
		return AddResult{}, err
	}
	c.invalidateRecognition(ctx, userID)
	return AddResult{Success: true, Source: "fallback", MemoryID: memID}, nil
}

func (c *Coordinator) tryPrimaryAdd(ctx context.Context, userID uuid.UUID, messages []Message, metadata map[string]any) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.primary.Add(ctx, userID, messages, metadata)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Coordinator) writeFallback(ctx context.Context, userID uuid.UUID, messages []Message, metadata map[string]any) (string, error) {
	tenantID := reqctx.TenantID(ctx)
	memoryID := uuid.New().String()
	record := Record{
		MemoryID:  memoryID,
		Content:   renderMessages(messages),
		Metadata:  metadata,
		Source:    "fallback",
		CreatedAt: time.Now(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", err
	}

	key := tenantkeys.Memory(tenantID, userID, memoryID)
	if err := c.rdb.Set(ctx, key, payload, fallbackTTL).Err(); err != nil {
		return "", err
	}

	entry := WriteQueueEntry{
		MemoryID:  memoryID,
		UserID:    userID,
		Messages:  messages,
		Metadata:  metadata,
		EnqueuedAt: time.Now(),
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	queueKey := tenantkeys.WriteQueueKey(tenantID)
	if err := c.rdb.RPush(ctx, queueKey, entryJSON).Err(); err != nil {
		c.logger.Error("enqueueing write-queue entry failed", "error", err)
	}
	telemetry.MemoryWriteQueueDepth.Inc()

	return memoryID, nil
}

// WriteQueueEntry is a pending write awaiting replay against the primary
// once it recovers (spec §4.8 "Write queue drain").
type WriteQueueEntry struct {
	MemoryID   string         `json:"memory_id"`
	UserID     uuid.UUID      `json:"user_id"`
	Messages   []Message      `json:"messages"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// DrainQueue re-applies queued fallback writes to the primary backend in
// FIFO order, stopping at the first failure so the remainder survives
// for the next attempt (spec §4.8). Safe to call on a timer or
// on-demand after a successful primary write.
func (c *Coordinator) DrainQueue(ctx context.Context, tenantID uuid.UUID) {
	c.drainQueue(ctx, tenantID)
}

func (c *Coordinator) drainQueue(ctx context.Context, tenantID uuid.UUID) {
	if !c.Healthy() {
		return
	}
	queueKey := tenantkeys.WriteQueueKey(tenantID)
	for {
		raw, err := c.rdb.LIndex(ctx, queueKey, 0).Result()
		if errors.Is(err, redis.Nil) {
			return
		}
		if err != nil {
			c.logger.Error("reading write queue", "error", err)
			return
		}

		var entry WriteQueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			c.logger.Error("corrupt write queue entry, dropping", "error", err)
			c.rdb.LPop(ctx, queueKey)
			telemetry.MemoryWriteQueueDepth.Dec()
			continue
		}

		if _, err := c.tryPrimaryAdd(ctx, entry.UserID, entry.Messages, entry.Metadata); err != nil {
			c.logger.Warn("write queue drain stopped on primary failure", "error", err)
			return
		}

		c.rdb.LPop(ctx, queueKey)
		telemetry.MemoryWriteQueueDepth.Dec()
	}
}

// Search implements the read path (spec §4.8 "Read path (search)").
func (c *Coordinator) Search(ctx context.Context, userID uuid.UUID, query string, limit int, filters map[string]any) (SearchResult, error) {
	start := time.Now()
	defer c.observe("search", start)

	if err := checkAccess(ctx, userID); err != nil {
		return SearchResult{}, err
	}
	if limit <= 0 {
		limit = 10
	}

	if c.Healthy() {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.primary.Search(ctx, userID, query, limit, filters)
		})
		if err == nil {
			records := result.([]Record)
			normalizeScores(records)
			return SearchResult{Results: records, Source: "primary"}, nil
		}
		c.logger.Warn("primary memory search failed, falling back", "error", err)
	}

	records, err := c.searchFallback(ctx, userID, query, limit, filters)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Results: records, Source: "fallback"}, nil
}

// normalizeScores applies the position-decay fallback (spec §4.8: "if
// the primary omits scores, use position-decay 1 - 0.1*rank").
func normalizeScores(records []Record) {
	for i := range records {
		if records[i].RelevanceScore == 0 {
			score := 1 - 0.1*float64(i)
			records[i].RelevanceScore = math.Max(score, 0)
		}
	}
}

func (c *Coordinator) searchFallback(ctx context.Context, userID uuid.UUID, query string, limit int, filters map[string]any) ([]Record, error) {
	tenantID := reqctx.TenantID(ctx)
	pattern := tenantkeys.MemoryScanPattern(tenantID, userID)

	var records []Record
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	tokens := tokenize(query)

	for iter.Next(ctx) {
		raw, err := c.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if !matchesFilters(rec, filters) {
			continue
		}
		rec.RelevanceScore = keywordOverlap(rec.Content, tokens)
		rec.Source = "fallback"
		records = append(records, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].RelevanceScore > records[j].RelevanceScore })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func matchesFilters(rec Record, filters map[string]any) bool {
	if filters == nil {
		return true
	}
	if key, ok := filters["memory_key"].(string); ok && key != "" && rec.MemoryID != key {
		return false
	}
	if after, ok := filters["after"].(time.Time); ok && rec.CreatedAt.Before(after) {
		return false
	}
	if before, ok := filters["before"].(time.Time); ok && rec.CreatedAt.After(before) {
		return false
	}
	return true
}

func keywordOverlap(content string, tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	contentTokens := tokenize(content)
	set := make(map[string]struct{}, len(contentTokens))
	for _, t := range contentTokens {
		set[t] = struct{}{}
	}
	matches := 0
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			matches++
		}
	}
	return float64(matches) / math.Max(1, float64(len(tokens)))
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func renderMessages(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func (c *Coordinator) invalidateRecognition(ctx context.Context, userID uuid.UUID) {
	if c.recognition == nil {
		return
	}
	c.recognition.Invalidate(ctx, reqctx.TenantID(ctx), userID)
}

func (c *Coordinator) observe(operation string, start time.Time) {
	elapsed := time.Since(start)
	source := "primary"
	if !c.Healthy() {
		source = "fallback"
	}
	telemetry.MemoryOperationDuration.WithLabelValues(operation, source).Observe(elapsed.Seconds())
	if elapsed.Milliseconds() > performanceWarnMS {
		c.logger.Warn("memory operation exceeded performance target", "operation", operation, "duration_ms", elapsed.Milliseconds())
	}
}

// probeWithBackoff retries a primary connectivity probe at {0.5,1,2,4}s
// delays (spec §4.8 "Retry with exponential backoff"). Probe runs it
// through the breaker, so an error after the final attempt counts as one
// breaker failure, and the ConsecutiveFailures counter flips the state to
// DEGRADED.
func probeWithBackoff(ctx context.Context, probe func(context.Context) error) error {
	delays := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second}
	var lastErr error
	for _, d := range delays {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		lastErr = probe(probeCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Probe runs the primary backend's lightweight health check through the
// backoff schedule; callers (e.g. a periodic health-check goroutine)
// invoke this rather than reaching into the breaker directly.
func (c *Coordinator) Probe(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, probeWithBackoff(ctx, c.primary.Probe)
	})
	return err
}

// httpStatusTrigger reports whether the given status code is a
// degradation trigger (spec §4.8: "HTTP-equivalent 5xx").
func httpStatusTrigger(status int) bool {
	return status >= http.StatusInternalServerError
}

// Package audit implements the Audit Sink (spec §4.6): every tool
// invocation produces a pre-event and a post-event sharing one
// request_id, written asynchronously so the audit path never adds
// latency to the request it is recording. Grounded on the teacher's
// internal/audit/audit.go (buffered channel, background flush loop,
// drop-on-full), re-targeted at spec.md's Audit Event shape and the
// tenant schema/user_id identity fields instead of the teacher's
// API-key/incident-resource model.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lanternforge/ragcore/internal/db"
	"github.com/lanternforge/ragcore/internal/reqctx"
	"github.com/lanternforge/ragcore/internal/tenant"
)

// Event is one audit record (spec §3 Audit Event).
type Event struct {
	EventID      uuid.UUID
	RequestID    uuid.UUID
	TenantSchema string
	UserID       uuid.UUID
	Action       string // e.g. "memory.store.pre", "memory.store.post"
	ResourceType string
	ResourceID   string
	Details      json.RawMessage
	Success      bool
	OccurredAt   time.Time
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered audit log writer. Entries are enqueued
// non-blockingly and flushed by a background goroutine; a full buffer
// drops the newest entry and logs a warning rather than stalling the
// request path (spec §4.6: audit writes never block the tool call they
// describe).
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Event
	wg      sync.WaitGroup
}

// NewWriter creates an audit Writer. Call Start to begin processing.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Event, bufferSize),
	}
}

// Start launches the background flush loop in its own goroutine and
// returns immediately. The loop exits once ctx is cancelled or Close is
// called, flushing any pending entries first.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for the background loop to drain and exit.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues ev for async writing.
func (w *Writer) Log(ev Event) {
	select {
	case w.entries <- ev:
	default:
		w.logger.Warn("audit log buffer full, dropping entry", "action", ev.Action, "resource_type", ev.ResourceType)
	}
}

// LogPre records a tool invocation before the handler runs, under
// action "<tool>.pre". requestID ties it to the matching LogPost call
// (spec §4.6: a pre/post pair shares one request_id).
func (w *Writer) LogPre(ctx context.Context, requestID uuid.UUID, tool, resourceID string, details json.RawMessage) {
	w.log(ctx, requestID, tool+".pre", resourceID, true, details)
}

// LogPost records a tool invocation's outcome under action "<tool>.post".
func (w *Writer) LogPost(ctx context.Context, requestID uuid.UUID, tool, resourceID string, success bool, details json.RawMessage) {
	w.log(ctx, requestID, tool+".post", resourceID, success, details)
}

func (w *Writer) log(ctx context.Context, requestID uuid.UUID, action, resourceID string, success bool, details json.RawMessage) {
	ev := Event{
		EventID:      uuid.New(),
		RequestID:    requestID,
		UserID:       reqctx.UserID(ctx),
		Action:       action,
		ResourceType: ResourceTypeOf(action),
		ResourceID:   resourceID,
		Details:      details,
		Success:      success,
		OccurredAt:   time.Now(),
	}
	if ti := tenant.FromContext(ctx); ti != nil {
		ev.TenantSchema = ti.Schema
	}
	w.Log(ev)
}

// ResourceTypeOf infers the audited resource type from a tool or action
// name's leading dotted segment (spec §4.6: "memory.store" audits as
// resource_type "memory", "session.resume" as "session").
func ResourceTypeOf(action string) string {
	if i := strings.IndexByte(action, '.'); i > 0 {
		return action[:i]
	}
	return action
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(events []Event) {
	bySchema := make(map[string][]Event)
	for _, e := range events {
		bySchema[e.TenantSchema] = append(bySchema[e.TenantSchema], e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for schema, schemaEvents := range bySchema {
		if schema == "" {
			w.logger.Warn("audit entry without tenant schema, skipping", "count", len(schemaEvents))
			continue
		}

		conn, err := w.pool.Acquire(ctx)
		if err != nil {
			w.logger.Error("acquiring connection for audit flush", "error", err, "schema", schema)
			continue
		}

		if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", schema+", public"); err != nil {
			w.logger.Error("setting search_path for audit flush", "error", err, "schema", schema)
			conn.Release()
			continue
		}

		q := db.New(conn)
		for _, e := range schemaEvents {
			var userID *uuid.UUID
			if e.UserID != uuid.Nil {
				id := e.UserID
				userID = &id
			}
			var resourceID *string
			if e.ResourceID != "" {
				rid := e.ResourceID
				resourceID = &rid
			}
			if err := q.InsertAuditLog(ctx, db.AuditLogEntry{
				EventID:      e.EventID,
				RequestID:    e.RequestID,
				UserID:       userID,
				Action:       e.Action,
				ResourceType: e.ResourceType,
				ResourceID:   resourceID,
				Details:      e.Details,
				Success:      e.Success,
				OccurredAt:   e.OccurredAt.Unix(),
			}); err != nil {
				w.logger.Error("writing audit log entry", "error", err, "action", e.Action, "schema", schema)
			}
		}

		conn.Release()
	}
}

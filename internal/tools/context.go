package tools

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lanternforge/ragcore/internal/memory"
	"github.com/lanternforge/ragcore/internal/ranking"
	"github.com/lanternforge/ragcore/internal/recognition"
	"github.com/lanternforge/ragcore/internal/session"
	"github.com/lanternforge/ragcore/pkg/apikey"
)

// ToolContext is the dependency bag handed to every Handler: the set of
// backing components a tool body may call into. Built per-request (see
// the newToolContext argument of Registry.Routes) so handlers read
// tenant/user identity from the
// request's context.Context rather than from this struct.
type ToolContext struct {
	Logger      *slog.Logger
	Memory      *memory.Coordinator
	Session     *session.Service
	Recognition *recognition.Service
	Ranker      *ranking.Ranker
	APIKeys     *apikey.Service // backed by the global public.api_keys table, not tenant-scoped
	Conn        *pgxpool.Conn   // tenant-scoped connection, set by internal/tenant.Middleware
}

// Deps bundles the long-lived singletons a ToolContext carries.
// Registry.Routes does not take a Deps; internal/app's newToolContext
// closure builds each ToolContext directly.
type Deps struct {
	Logger      *slog.Logger
	Memory      *memory.Coordinator
	Session     *session.Service
	Recognition *recognition.Service
	Ranker      *ranking.Ranker
	APIKeys     *apikey.Service
}

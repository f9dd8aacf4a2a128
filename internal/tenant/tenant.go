// Package tenant implements the Tenant Extractor & Validator (spec §4.3):
// it takes the Authenticator's claimed tenant, confirms the caller
// actually belongs to it, scopes a database connection to that tenant's
// schema, and promotes the request's identity into a complete
// reqctx.Context. Grounded on the teacher's pkg/tenant (itself a thin
// wrapper over the vendored core tenant middleware), with the
// header-based Resolver replaced by the Authenticator's output and a
// UBER_ADMIN bypass added per spec invariant I3.
package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Info holds the resolved tenant metadata for the current request.
type Info struct {
	ID     uuid.UUID
	Name   string
	Slug   string
	Schema string
}

// SchemaName returns the PostgreSQL schema name for a tenant slug
// (spec §4.1: "tenant_{slug}").
func SchemaName(slug string) string {
	return fmt.Sprintf("tenant_%s", slug)
}

type contextKey string

const (
	infoKey contextKey = "tenant_info"
	connKey contextKey = "tenant_conn"
)

// NewContext stores tenant info in the context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext extracts the tenant info from the context. Returns nil if
// no tenant has been resolved.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(infoKey).(*Info)
	return v
}

// NewConnContext stores the tenant-scoped connection in the context.
func NewConnContext(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, connKey, conn)
}

// ConnFromContext extracts the tenant-scoped connection. Handlers that
// issue raw SQL against the tenant schema read the connection from here
// rather than acquiring their own.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	v, _ := ctx.Value(connKey).(*pgxpool.Conn)
	return v
}

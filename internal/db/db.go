// Package db is a small hand-written query layer over the relational
// store spec.md treats as an external collaborator. It exists only to
// give the Authenticator, Tenant Extractor and Audit Sink somewhere to
// read and write the Tenant/User/APIKeyRecord/AuditEvent rows those
// components need; it is intentionally thin — no ORM, no generated
// code — following the same DBTX-over-pgx shape the teacher's sqlc
// layer used.
package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx, so
// callers can run queries either pool-wide or against a connection that
// has had its search_path pinned to a tenant schema.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries wraps a DBTX with the typed query methods the request plane needs.
type Queries struct {
	db DBTX
}

// New wraps db in a Queries.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Tenant is a row from public.tenants.
type Tenant struct {
	ID               uuid.UUID
	Slug             string
	Name             string
	SubscriptionTier string
}

// GetTenantBySlug resolves a tenant by slug, honoring soft-deletion.
func (q *Queries) GetTenantBySlug(ctx context.Context, slug string) (Tenant, error) {
	var t Tenant
	err := q.db.QueryRow(ctx,
		`SELECT id, slug, name, subscription_tier FROM public.tenants WHERE slug = $1 AND deleted_at IS NULL`,
		slug,
	).Scan(&t.ID, &t.Slug, &t.Name, &t.SubscriptionTier)
	return t, err
}

// GetTenant resolves a tenant by id, honoring soft-deletion.
func (q *Queries) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	var t Tenant
	err := q.db.QueryRow(ctx,
		`SELECT id, slug, name, subscription_tier FROM public.tenants WHERE id = $1 AND deleted_at IS NULL`,
		id,
	).Scan(&t.ID, &t.Slug, &t.Name, &t.SubscriptionTier)
	return t, err
}

// CreateTenantParams is the input to CreateTenant.
type CreateTenantParams struct {
	Name             string
	Slug             string
	SubscriptionTier string
}

// CreateTenant inserts the global tenant row (spec §4.1 Provisioning).
func (q *Queries) CreateTenant(ctx context.Context, p CreateTenantParams) (Tenant, error) {
	if p.SubscriptionTier == "" {
		p.SubscriptionTier = "standard"
	}
	var t Tenant
	err := q.db.QueryRow(ctx,
		`INSERT INTO public.tenants (name, slug, subscription_tier) VALUES ($1, $2, $3)
		 RETURNING id, slug, name, subscription_tier`,
		p.Name, p.Slug, p.SubscriptionTier,
	).Scan(&t.ID, &t.Slug, &t.Name, &t.SubscriptionTier)
	return t, err
}

// DeleteTenant soft-deletes the global tenant row.
func (q *Queries) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE public.tenants SET deleted_at = now() WHERE id = $1`, id)
	return err
}

// ListTenants returns all non-deleted tenants.
func (q *Queries) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := q.db.Query(ctx, `SELECT id, slug, name, subscription_tier FROM public.tenants WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Slug, &t.Name, &t.SubscriptionTier); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// User is a row from a tenant schema's users table.
type User struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	ExternalID string
	Email      string
	Role       string
	IsActive   bool
}

// GetUserByID resolves a user by id within the currently scoped schema.
// Used by the Tenant Extractor (spec §4.3 step 3) to compare the user's
// stored tenant_id against the claimed one.
func (q *Queries) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	var u User
	err := q.db.QueryRow(ctx,
		`SELECT id, tenant_id, external_id, email, role, is_active FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.TenantID, &u.ExternalID, &u.Email, &u.Role, &u.IsActive)
	return u, err
}

// GetUserByExternalID resolves a user by the identity provider's subject.
func (q *Queries) GetUserByExternalID(ctx context.Context, externalID string) (User, error) {
	var u User
	err := q.db.QueryRow(ctx,
		`SELECT id, tenant_id, external_id, email, role, is_active FROM users WHERE external_id = $1 AND is_active = true`,
		externalID,
	).Scan(&u.ID, &u.TenantID, &u.ExternalID, &u.Email, &u.Role, &u.IsActive)
	return u, err
}

// FirstUserOfTenant resolves the reference-design authorization
// principal for an opaque API key (spec §4.2 step 5: "the first user of
// the key's tenant").
func (q *Queries) FirstUserOfTenant(ctx context.Context, tenantID uuid.UUID) (User, error) {
	var u User
	err := q.db.QueryRow(ctx,
		`SELECT id, tenant_id, external_id, email, role, is_active FROM users WHERE tenant_id = $1 AND is_active = true ORDER BY created_at ASC LIMIT 1`,
		tenantID,
	).Scan(&u.ID, &u.TenantID, &u.ExternalID, &u.Email, &u.Role, &u.IsActive)
	return u, err
}

// APIKeyRecord is a row from public.api_keys (spec §3 API Key Record).
type APIKeyRecord struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	KeyPrefix string
	KeyHash   string
	Role      string
	Active    bool
	ExpiresAt *int64 // unix seconds, nil if no expiry
}

// ListActiveAPIKeys returns up to limit active, non-expired key records
// ordered newest-first, across any tenant — the bounded scan spec §4.2
// step 2 requires (K=100 by default).
func (q *Queries) ListActiveAPIKeys(ctx context.Context, limit int) ([]APIKeyRecord, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, tenant_id, key_prefix, key_hash, role, active, extract(epoch from expires_at)::bigint
		   FROM public.api_keys
		  WHERE active = true AND (expires_at IS NULL OR expires_at > now())
		  ORDER BY created_at DESC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKeyRecord
	for rows.Next() {
		var rec APIKeyRecord
		var expiresAt *int64
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.KeyPrefix, &rec.KeyHash, &rec.Role, &rec.Active, &expiresAt); err != nil {
			return nil, err
		}
		rec.ExpiresAt = expiresAt
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateAPIKeyLastUsed stamps last_used_at for the given key id.
func (q *Queries) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE public.api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// CreateAPIKeyParams is the input to CreateAPIKey.
type CreateAPIKeyParams struct {
	TenantID  uuid.UUID
	KeyPrefix string
	KeyHash   string
	Role      string
	ExpiresAt *int64
}

// CreateAPIKey inserts a new API key record and returns its id.
func (q *Queries) CreateAPIKey(ctx context.Context, p CreateAPIKeyParams) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.db.QueryRow(ctx,
		`INSERT INTO public.api_keys (tenant_id, key_prefix, key_hash, role, active, expires_at)
		 VALUES ($1, $2, $3, $4, true, to_timestamp($5))
		 RETURNING id`,
		p.TenantID, p.KeyPrefix, p.KeyHash, p.Role, p.ExpiresAt,
	).Scan(&id)
	return id, err
}

// RevokeAPIKey marks an API key inactive.
func (q *Queries) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE public.api_keys SET active = false WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return err
}

// ListAPIKeysByTenant lists a tenant's API keys (secrets never stored in cleartext).
func (q *Queries) ListAPIKeysByTenant(ctx context.Context, tenantID uuid.UUID) ([]APIKeyRecord, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, tenant_id, key_prefix, key_hash, role, active, extract(epoch from expires_at)::bigint
		   FROM public.api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKeyRecord
	for rows.Next() {
		var rec APIKeyRecord
		var expiresAt *int64
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.KeyPrefix, &rec.KeyHash, &rec.Role, &rec.Active, &expiresAt); err != nil {
			return nil, err
		}
		rec.ExpiresAt = expiresAt
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AuditLogEntry is a row from a tenant schema's audit_log table.
type AuditLogEntry struct {
	ID           uuid.UUID
	EventID      uuid.UUID
	RequestID    uuid.UUID
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *string
	Details      []byte // raw JSON
	Success      bool
	OccurredAt   int64 // unix seconds
}

// InsertAuditLog appends one audit event row.
func (q *Queries) InsertAuditLog(ctx context.Context, e AuditLogEntry) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO audit_log (event_id, request_id, user_id, action, resource_type, resource_id, details, success, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, to_timestamp($9))`,
		e.EventID, e.RequestID, e.UserID, e.Action, e.ResourceType, e.ResourceID, e.Details, e.Success, e.OccurredAt,
	)
	return err
}

// ListAuditLogParams paginates audit log reads.
type ListAuditLogParams struct {
	Limit  int32
	Offset int32
}

// ListAuditLog returns a page of audit events, newest first.
func (q *Queries) ListAuditLog(ctx context.Context, p ListAuditLogParams) ([]AuditLogEntry, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, event_id, request_id, user_id, action, resource_type, resource_id, details, success, extract(epoch from occurred_at)::bigint
		   FROM audit_log ORDER BY occurred_at DESC LIMIT $1 OFFSET $2`,
		p.Limit, p.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.RequestID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Details, &e.Success, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountAuditLog returns the total number of audit events, for building
// an offset-paginated response envelope alongside ListAuditLog.
func (q *Queries) CountAuditLog(ctx context.Context) (int, error) {
	var total int
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM audit_log`).Scan(&total)
	return total, err
}

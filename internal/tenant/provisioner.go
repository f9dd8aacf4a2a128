package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lanternforge/ragcore/internal/db"
	"github.com/lanternforge/ragcore/internal/platform"
)

// slugPattern restricts tenant slugs to safe identifiers for schema names.
var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,62}$`)

// Provisioner creates and destroys tenant schemas (spec §4.1
// Provisioning — onboarding a tenant means a new tenant_{slug} schema,
// not just a new public.tenants row). Grounded on the teacher's
// pkg/tenant.Provisioner, unchanged in shape.
type Provisioner struct {
	DB            *pgxpool.Pool
	DatabaseURL   string
	MigrationsDir string
	Logger        *slog.Logger
}

// Provision inserts the global tenant record, creates its schema, and
// runs the tenant migration set against it.
func (p *Provisioner) Provision(ctx context.Context, name, slug, subscriptionTier string) (*Info, error) {
	if !slugPattern.MatchString(slug) {
		return nil, fmt.Errorf("invalid tenant slug %q: must match %s", slug, slugPattern.String())
	}

	q := db.New(p.DB)
	t, err := q.CreateTenant(ctx, db.CreateTenantParams{Name: name, Slug: slug, SubscriptionTier: subscriptionTier})
	if err != nil {
		return nil, fmt.Errorf("inserting tenant record: %w", err)
	}

	schema := SchemaName(slug)

	if _, err := p.DB.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		_ = q.DeleteTenant(ctx, t.ID)
		return nil, fmt.Errorf("creating schema %s: %w", schema, err)
	}

	tenantURL, err := withSearchPath(p.DatabaseURL, schema)
	if err != nil {
		return nil, fmt.Errorf("building tenant database URL: %w", err)
	}

	if err := platform.RunTenantMigrations(tenantURL, p.MigrationsDir); err != nil {
		_, _ = p.DB.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
		_ = q.DeleteTenant(ctx, t.ID)
		return nil, fmt.Errorf("running tenant migrations: %w", err)
	}

	p.Logger.Info("tenant provisioned", "tenant_id", t.ID, "slug", slug, "schema", schema)

	return &Info{ID: t.ID, Name: t.Name, Slug: t.Slug, Schema: schema}, nil
}

// Deprovision drops the tenant schema and soft-deletes the global record.
func (p *Provisioner) Deprovision(ctx context.Context, slug string) error {
	schema := SchemaName(slug)

	if _, err := p.DB.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
		return fmt.Errorf("dropping schema %s: %w", schema, err)
	}

	q := db.New(p.DB)
	t, err := q.GetTenantBySlug(ctx, slug)
	if err != nil {
		return fmt.Errorf("looking up tenant %q: %w", slug, err)
	}

	if err := q.DeleteTenant(ctx, t.ID); err != nil {
		return fmt.Errorf("deleting tenant record: %w", err)
	}

	p.Logger.Info("tenant deprovisioned", "slug", slug, "schema", schema)
	return nil
}

func withSearchPath(databaseURL, schema string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing database URL: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Package store provides persistence backends for the credential pool.
// FileStore is the default; PostgresStore is an alternate
// backend for deployments that already run a Postgres instance for other state.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	cliproxyauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
)

const defaultAuthTable = "cliproxy_auths"

// PostgresStoreConfig configures a Postgres-backed credential Store.
type PostgresStoreConfig struct {
	DSN       string
	Schema    string
	AuthTable string
}

// PostgresStore persists Auth records as JSONB rows. It implements
// sdk/cliproxy/auth.Store directly; there is no local disk mirror, since the
// credential store and the on-disk YAML/JSON config documents are independent
// concerns in this deployment model.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore opens a pgx connection pool and ensures the backing table exists.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	table := cfg.AuthTable
	if table == "" {
		table = defaultAuthTable
	}
	if cfg.Schema != "" {
		table = quoteIdent(cfg.Schema) + "." + quoteIdent(table)
	} else {
		table = quoteIdent(table)
	}
	s := &PostgresStore{pool: pool, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			content JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("postgres store: create table: %w", err)
	}
	return nil
}

// storedRecord is the JSONB payload shape for one credential row. Only the
// fields that must survive a restart are persisted; the pool repopulates
// runtime cooldown state as results are processed, but a snapshot of it is
// kept too so an operator-visible "why is this credential down" view survives
// a process restart as well.
type storedRecord struct {
	ID         string            `json:"id"`
	Provider   string            `json:"provider"`
	Label      string            `json:"label"`
	Disabled   bool              `json:"disabled"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	ModelStates map[string]*cliproxyauth.ModelState `json:"model_states,omitempty"`
}

// Save upserts the auth record's durable fields.
func (s *PostgresStore) Save(ctx context.Context, a *cliproxyauth.Auth) (string, error) {
	if a == nil {
		return "", fmt.Errorf("postgres store: auth is nil")
	}
	rec := storedRecord{
		ID:          a.ID,
		Provider:    a.Provider,
		Label:       a.Label,
		Disabled:    a.Disabled,
		Attributes:  a.Attributes,
		Metadata:    a.Metadata,
		ModelStates: a.ModelStates,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("postgres store: marshal: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, provider, content, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET provider = EXCLUDED.provider, content = EXCLUDED.content, updated_at = NOW()
	`, s.table)
	if _, err := s.pool.Exec(ctx, query, a.ID, a.Provider, payload); err != nil {
		return "", fmt.Errorf("postgres store: upsert: %w", err)
	}
	return a.ID, nil
}

// List returns every stored auth record.
func (s *PostgresStore) List(ctx context.Context) ([]*cliproxyauth.Auth, error) {
	query := fmt.Sprintf("SELECT content, updated_at FROM %s ORDER BY id", s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	defer rows.Close()

	var out []*cliproxyauth.Auth
	for rows.Next() {
		var payload []byte
		var updatedAt time.Time
		if err := rows.Scan(&payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan: %w", err)
		}
		var rec storedRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("postgres store: unmarshal %s: %w", rec.ID, err)
		}
		out = append(out, &cliproxyauth.Auth{
			ID:          rec.ID,
			Provider:    rec.Provider,
			Label:       rec.Label,
			Disabled:    rec.Disabled,
			Attributes:  rec.Attributes,
			Metadata:    rec.Metadata,
			ModelStates: rec.ModelStates,
			Status:      cliproxyauth.StatusActive,
			UpdatedAt:   updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate: %w", err)
	}
	return out, nil
}

// Delete removes the auth record identified by id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table)
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("postgres store: delete: %w", err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

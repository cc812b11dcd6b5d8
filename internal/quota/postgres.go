package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the voice_quota table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment. The cap is
// deliberately not a column: it is compiled into the client.
const Schema = `
CREATE TABLE IF NOT EXISTS voice_quota (
    identity         TEXT PRIMARY KEY,
    reset_date       TEXT NOT NULL DEFAULT '',
    sessions_started INTEGER NOT NULL DEFAULT 0,
    daily_usage      JSONB NOT NULL DEFAULT '[]',
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is a [Store] backed by PostgreSQL, for deployments that
// centralise quota across devices. The usage ledger is serialised as JSONB.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a PostgresStore over the given connection or
// pool. Call [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the voice_quota table if it
// does not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("quota: migrate: %w", err)
	}
	return nil
}

// Load reads the identity's row. An unknown identity yields a zero State.
func (s *PostgresStore) Load(ctx context.Context, identity string) (State, error) {
	var (
		st        State
		usageJSON []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT reset_date, sessions_started, daily_usage FROM voice_quota WHERE identity = $1`,
		identity,
	).Scan(&st.LastResetDate, &st.DailySessionsStarted, &usageJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("quota: select state: %w", err)
	}
	if err := json.Unmarshal(usageJSON, &st.DailyUsage); err != nil {
		return State{}, fmt.Errorf("quota: decode usage ledger: %w", err)
	}
	return st, nil
}

// Save upserts the identity's row synchronously.
func (s *PostgresStore) Save(ctx context.Context, identity string, st State) error {
	usage := st.DailyUsage
	if usage == nil {
		usage = []UsageRecord{}
	}
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("quota: marshal usage ledger: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO voice_quota (identity, reset_date, sessions_started, daily_usage, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (identity) DO UPDATE SET
			reset_date = EXCLUDED.reset_date,
			sessions_started = EXCLUDED.sessions_started,
			daily_usage = EXCLUDED.daily_usage,
			updated_at = now()`,
		identity, st.LastResetDate, st.DailySessionsStarted, usageJSON,
	)
	if err != nil {
		return fmt.Errorf("quota: upsert state: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xkilldash9x/shroud/api/schemas"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for
// mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store persists per-domain rate snapshots between runs and keeps the
// write-only dispatch audit log. Live scheduling state is never rebuilt
// from the audit log.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const upsertRateStateSQL = `
        INSERT INTO rate_states (domain, regime, multiplier, permitted_rpm, success_streak, next_dispatch, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (domain) DO UPDATE SET
            regime = EXCLUDED.regime,
            multiplier = EXCLUDED.multiplier,
            permitted_rpm = EXCLUDED.permitted_rpm,
            success_streak = EXCLUDED.success_streak,
            next_dispatch = EXCLUDED.next_dispatch,
            updated_at = EXCLUDED.updated_at;
    `

// SaveRateStates upserts every domain snapshot in one transaction, so a
// restart restores either the whole generation or none of it.
func (s *Store) SaveRateStates(ctx context.Context, states []schemas.RateSnapshot) error {
	if len(states) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, st := range states {
		if _, err := tx.Exec(ctx, upsertRateStateSQL,
			st.Domain, st.Regime, st.Multiplier, st.PermittedRPM,
			st.SuccessStreak, st.NextDispatch, st.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert rate state for %s: %w", st.Domain, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Persisted rate snapshots", zap.Int("domains", len(states)))
	return nil
}

// LoadRateStates reads every persisted domain snapshot for startup restore.
func (s *Store) LoadRateStates(ctx context.Context) ([]schemas.RateSnapshot, error) {
	query := `
        SELECT domain, regime, multiplier, permitted_rpm, success_streak, next_dispatch, updated_at
        FROM rate_states
        ORDER BY domain ASC;
    `
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rate states: %w", err)
	}
	defer rows.Close()

	var states []schemas.RateSnapshot
	for rows.Next() {
		var st schemas.RateSnapshot
		if err := rows.Scan(&st.Domain, &st.Regime, &st.Multiplier, &st.PermittedRPM,
			&st.SuccessStreak, &st.NextDispatch, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rate state row: %w", err)
		}
		states = append(states, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return states, nil
}

var dispatchLogColumns = []string{
	"id", "handle", "session_key", "domain", "profile_id", "proxy_id",
	"dispatch_at", "jitter_ms", "attempt",
}

// LogPlans bulk-inserts one batch of emitted plans into the audit log.
func (s *Store) LogPlans(ctx context.Context, plans []schemas.Plan) error {
	if len(plans) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(plans))
	for i, p := range plans {
		rows[i] = []interface{}{
			p.ID, p.Handle, p.SessionKey, p.Domain, p.ProfileID, p.ProxyID,
			p.DispatchAt, p.Jitter.Milliseconds(), p.Attempt,
		}
	}

	copyCount, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"dispatch_log"},
		dispatchLogColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy dispatch log batch: %w", err)
	}
	if int(copyCount) != len(plans) {
		return fmt.Errorf("mismatch in copied plan count: expected %d, got %d", len(plans), copyCount)
	}

	return nil
}

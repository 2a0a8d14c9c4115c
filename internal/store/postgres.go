package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/finsight/finsight/engine/internal/config"
	"github.com/finsight/finsight/engine/pkg/models"
)

// PostgresStore persists telemetry to PostgreSQL through a bounded
// connection pool shared across all executions.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  config.DatabaseConfig
}

// NewPostgresStore connects, pings and migrates the telemetry schema.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		pc.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool, cfg: cfg}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Int("max_conns", cfg.MaxConnections).Msg("Postgres telemetry store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS monitor_entries (
			id               BIGSERIAL PRIMARY KEY,
			run_id           TEXT NOT NULL,
			model_name       TEXT NOT NULL DEFAULT '',
			stage_name       TEXT NOT NULL,
			start_time       TIMESTAMPTZ NOT NULL,
			end_time         TIMESTAMPTZ NOT NULL,
			duration_ms      BIGINT NOT NULL,
			status           TEXT NOT NULL,
			total_tokens     BIGINT NOT NULL DEFAULT 0,
			total_cost       NUMERIC(12,6) NOT NULL DEFAULT 0,
			llm_calls        JSONB NOT NULL DEFAULT '[]',
			decision_details TEXT NOT NULL DEFAULT '',
			error_message    TEXT,
			custom_metadata  JSONB NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_monitor_entries_run ON monitor_entries (run_id);
		CREATE INDEX IF NOT EXISTS idx_monitor_entries_stage ON monitor_entries (stage_name, start_time);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// SaveMonitorEntries inserts all entries for one execution in a single
// batch on one pooled connection. Waiting for a connection is bounded by
// the configured acquire timeout.
func (s *PostgresStore) SaveMonitorEntries(ctx context.Context, entries []models.MonitorEntry) error {
	if len(entries) == 0 {
		return nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	conn, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			return ErrPoolExhausted
		}
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	batch := &pgx.Batch{}
	for _, e := range entries {
		calls, err := json.Marshal(e.LLMCalls)
		if err != nil {
			return fmt.Errorf("marshal llm_calls: %w", err)
		}
		meta, err := json.Marshal(e.CustomMetadata)
		if err != nil {
			return fmt.Errorf("marshal custom_metadata: %w", err)
		}
		var errMsg *string
		if e.ErrorMessage != "" {
			errMsg = &e.ErrorMessage
		}
		batch.Queue(`
			INSERT INTO monitor_entries
				(run_id, model_name, stage_name, start_time, end_time, duration_ms,
				 status, total_tokens, total_cost, llm_calls, decision_details,
				 error_message, custom_metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			e.RunID, e.ModelName, e.StageName, e.StartTime, e.EndTime, e.DurationMs,
			string(e.Status), e.TotalTokens, e.TotalCost, calls, e.DecisionDetails,
			errMsg, meta,
		)
	}

	br := conn.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert monitor entry: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Package storage persists finalized sandbox telemetry and quarantine
// signals to PostgreSQL. It is host-side glue: the sandbox engine itself
// never depends on it, hosts wire it through the quarantine callback and
// the record writer.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Healthy checks database connectivity.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// SaveTelemetry inserts one finalized sandbox record.
func (s *Store) SaveTelemetry(ctx context.Context, row *TelemetryRow) error {
	query := `
		INSERT INTO sandbox_telemetry (sandbox_id, plugin_id, isolation_level,
			exit_code, exit_reason, peak_memory_mb, peak_cpu_percent,
			file_operations, network_operations, violation_count,
			cleanup_successful, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, query,
		row.SandboxID, row.PluginID, row.IsolationLevel,
		row.ExitCode, row.ExitReason, row.PeakMemoryMB, row.PeakCPUPercent,
		row.FileOps, row.NetOps, row.ViolationCount,
		row.CleanupSuccessful, row.StartedAt, row.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting sandbox telemetry: %w", err)
	}
	return nil
}

// SaveQuarantine inserts one quarantine event.
func (s *Store) SaveQuarantine(ctx context.Context, row *QuarantineRow) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO quarantine_events (id, plugin_id, reason, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, query, row.ID, row.PluginID, row.Reason, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting quarantine event: %w", err)
	}
	return nil
}

// ListQuarantines returns quarantine events, most recent first.
func (s *Store) ListQuarantines(ctx context.Context, limit int) ([]QuarantineRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, plugin_id, reason, created_at
		FROM quarantine_events
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying quarantine events: %w", err)
	}
	defer rows.Close()

	var results []QuarantineRow
	for rows.Next() {
		var row QuarantineRow
		if err := rows.Scan(&row.ID, &row.PluginID, &row.Reason, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning quarantine row: %w", err)
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// ListTelemetry queries stored sandbox records with optional filters.
func (s *Store) ListTelemetry(ctx context.Context, filter TelemetryFilter) ([]TelemetryRow, error) {
	query := `
		SELECT sandbox_id, plugin_id, isolation_level, exit_code, exit_reason,
			peak_memory_mb, peak_cpu_percent, file_operations,
			network_operations, violation_count, cleanup_successful,
			started_at, ended_at
		FROM sandbox_telemetry
		WHERE ($1 = '' OR plugin_id = $1)
		  AND ($2 = '' OR exit_reason = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, filter.PluginID, filter.ExitReason, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying sandbox telemetry: %w", err)
	}
	defer rows.Close()

	var results []TelemetryRow
	for rows.Next() {
		var row TelemetryRow
		if err := rows.Scan(
			&row.SandboxID, &row.PluginID, &row.IsolationLevel,
			&row.ExitCode, &row.ExitReason, &row.PeakMemoryMB, &row.PeakCPUPercent,
			&row.FileOps, &row.NetOps, &row.ViolationCount,
			&row.CleanupSuccessful, &row.StartedAt, &row.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning telemetry row: %w", err)
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Package storage persists price observations and the ETL run log in PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned by single-row lookups with no match
	ErrNotFound = errors.New("not found")
	// ErrAlreadyIngested means a checkpoint for the file digest already exists
	ErrAlreadyIngested = errors.New("file already ingested")
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open creates the shared connection pool. It does not dial the target.
func Open(target types.ConnectionTarget, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", target.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx is one unit of work. Everything written through it commits or rolls back together.
type Tx struct {
	tx *sql.Tx
}

// WithTransaction runs fn inside a transaction, committing only if fn returns nil
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const upsertPriceQuery = `
	INSERT INTO crypto_prices (symbol, source, price_usd, observed_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (symbol, source, observed_at)
	DO UPDATE SET price_usd = EXCLUDED.price_usd, ingested_at = NOW()
`

// UpsertBatch writes every record, replacing the price of an existing natural key
func (t *Tx) UpsertBatch(ctx context.Context, records []types.PriceRecord) (int, error) {
	stmt, err := t.tx.PrepareContext(ctx, upsertPriceQuery)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Symbol, r.Source, r.PriceUSD, r.ObservedAt.UTC()); err != nil {
			return written, fmt.Errorf("upsert %s/%s: %w", r.Source, r.Symbol, err)
		}
		written++
	}
	return written, nil
}

// SaveBatch upserts records in a single transaction: all of them or none
func (s *Store) SaveBatch(ctx context.Context, records []types.PriceRecord) (int, error) {
	var written int
	err := s.WithTransaction(ctx, func(tx *Tx) error {
		var err error
		written, err = tx.UpsertBatch(ctx, records)
		return err
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// ClaimCheckpoint inserts the checkpoint, or returns ErrAlreadyIngested when
// another transaction already committed the same digest
func (t *Tx) ClaimCheckpoint(ctx context.Context, cp types.IngestionCheckpoint) error {
	query := `
		INSERT INTO ingestion_checkpoints (file_hash, source_file, status, records, processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_hash) DO NOTHING
	`

	res, err := t.tx.ExecContext(ctx, query,
		cp.FileHash, cp.SourceFile, string(types.RunSuccess), cp.Records, cp.ProcessedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", cp.FileHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", cp.FileHash, err)
	}
	if n == 0 {
		return ErrAlreadyIngested
	}
	return nil
}

// CheckpointExists reports whether a file with this digest was already loaded
func (s *Store) CheckpointExists(ctx context.Context, fileHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ingestion_checkpoints WHERE file_hash = $1)`,
		fileHash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query checkpoint: %w", err)
	}
	return exists, nil
}

// IngestFile loads records and the file's checkpoint in one transaction.
// Neither is written when the digest was already claimed.
func (s *Store) IngestFile(ctx context.Context, cp types.IngestionCheckpoint, records []types.PriceRecord) (int, error) {
	var written int
	err := s.WithTransaction(ctx, func(tx *Tx) error {
		if err := tx.ClaimCheckpoint(ctx, cp); err != nil {
			return err
		}
		var err error
		written, err = tx.UpsertBatch(ctx, records)
		return err
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// RecordRun appends a finished run to etl_runs
func (s *Store) RecordRun(ctx context.Context, run types.JobRun) error {
	query := `
		INSERT INTO etl_runs
			(id, run_trigger, status, started_at, finished_at, duration_ms,
			 records_ingested, records_skipped, sources, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	var errorMessage sql.NullString
	if run.Outcome.Reason != "" {
		errorMessage = sql.NullString{String: run.Outcome.Reason, Valid: true}
	}

	sources := run.Sources
	if sources == nil {
		sources = []string{}
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		string(run.Trigger),
		string(run.Outcome.Status),
		run.StartTime.UTC(),
		run.EndTime.UTC(),
		durationMillis(run.Duration()),
		run.RecordsIngested,
		run.RecordsSkipped,
		pq.Array(sources),
		errorMessage,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// ListPrices pages through observations, newest first. An empty symbol lists every asset.
func (s *Store) ListPrices(ctx context.Context, page, limit int, symbol string) ([]types.PriceRecord, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	query := `
		SELECT symbol, source, price_usd, observed_at
		FROM crypto_prices
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY observed_at DESC, symbol, source
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, symbol, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	records := make([]types.PriceRecord, 0, limit)
	for rows.Next() {
		var r types.PriceRecord
		if err := rows.Scan(&r.Symbol, &r.Source, &r.PriceUSD, &r.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan price row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("price rows: %w", err)
	}
	return records, nil
}

// LatestPrice returns the most recent observation of symbol from any source
func (s *Store) LatestPrice(ctx context.Context, symbol string) (types.PriceRecord, error) {
	query := `
		SELECT symbol, source, price_usd, observed_at
		FROM crypto_prices
		WHERE symbol = $1
		ORDER BY observed_at DESC
		LIMIT 1
	`

	var r types.PriceRecord
	err := s.db.QueryRowContext(ctx, query, symbol).Scan(&r.Symbol, &r.Source, &r.PriceUSD, &r.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PriceRecord{}, ErrNotFound
	}
	if err != nil {
		return types.PriceRecord{}, fmt.Errorf("query latest price: %w", err)
	}
	return r, nil
}

const runColumns = `id, run_trigger, status, started_at, finished_at,
	records_ingested, records_skipped, sources, error_message`

// ListRuns returns the most recent runs, newest first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]types.JobRun, error) {
	query := `SELECT ` + runColumns + ` FROM etl_runs ORDER BY started_at DESC LIMIT $1`
	return s.queryRuns(ctx, query, limit)
}

// RecentSuccessfulRuns returns up to limit successful runs other than excludeID
func (s *Store) RecentSuccessfulRuns(ctx context.Context, excludeID string, limit int) ([]types.JobRun, error) {
	query := `SELECT ` + runColumns + ` FROM etl_runs
		WHERE status = $1 AND id::text <> $2
		ORDER BY started_at DESC LIMIT $3`
	return s.queryRuns(ctx, query, string(types.RunSuccess), excludeID, limit)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]types.JobRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []types.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (types.JobRun, error) {
	var (
		run          types.JobRun
		trigger      string
		status       string
		sources      pq.StringArray
		errorMessage sql.NullString
	)
	err := row.Scan(&run.ID, &trigger, &status, &run.StartTime, &run.EndTime,
		&run.RecordsIngested, &run.RecordsSkipped, &sources, &errorMessage)
	if err != nil {
		return types.JobRun{}, fmt.Errorf("scan run row: %w", err)
	}

	run.Trigger = types.RunTrigger(trigger)
	run.Outcome = types.Outcome{Status: types.RunStatus(status), Reason: errorMessage.String}
	run.Sources = []string(sources)
	return run, nil
}

const (
	SystemHealthy  = "healthy"
	SystemDegraded = "degraded"
)

// RunStats summarises the run log. SystemStatus is healthy only while the
// most recent run succeeded.
type RunStats struct {
	SystemStatus string        `json:"system_status"`
	TotalRuns    int           `json:"total_runs"`
	FailedRuns   int           `json:"failed_runs"`
	LastRun      *types.JobRun `json:"last_run,omitempty"`
}

func (s *Store) RunStats(ctx context.Context) (RunStats, error) {
	stats := RunStats{SystemStatus: SystemDegraded}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $1) FROM etl_runs`,
		string(types.RunFailure),
	).Scan(&stats.TotalRuns, &stats.FailedRuns)
	if err != nil {
		return RunStats{}, fmt.Errorf("count runs: %w", err)
	}

	if stats.TotalRuns == 0 {
		return stats, nil
	}

	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return RunStats{}, err
	}
	if len(runs) > 0 {
		stats.LastRun = &runs[0]
		if runs[0].Outcome.IsSuccess() {
			stats.SystemStatus = SystemHealthy
		}
	}
	return stats, nil
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

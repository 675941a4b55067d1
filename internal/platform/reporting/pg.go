package reporting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGSink stores runs in report_runs and their rows in report_output, one
// jsonb document per row.
type PGSink struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPGSink(pool *pgxpool.Pool, logger zerolog.Logger) *PGSink {
	return &PGSink{pool: pool, logger: logger}
}

func (s *PGSink) Write(ctx context.Context, report Report) error {
	if err := Validate(report); err != nil {
		return err
	}
	runID, err := uuid.Parse(report.RunID)
	if err != nil {
		return fmt.Errorf("parse run id %q: %w", report.RunID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO report_runs (run_id, report_id, generated_at) VALUES ($1, $2, $3)`,
		runID, report.ReportID, report.GeneratedAt)
	if err != nil {
		return fmt.Errorf("insert report run: %w", err)
	}

	rows, err := outputRows(runID, report.Tables)
	if err != nil {
		return err
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"report_output"},
		[]string{"run_id", "table_name", "row_num", "data"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy report output: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit report run: %w", err)
	}
	s.logger.Info().
		Str("run_id", report.RunID).
		Str("report_id", report.ReportID).
		Int64("rows", n).
		Msg("report persisted")
	return nil
}

func (s *PGSink) Close() error { return nil }

func outputRows(runID uuid.UUID, tables []Table) ([][]any, error) {
	var rows [][]any
	for _, t := range tables {
		for i, rec := range t.Records() {
			data, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("encode %s row %d: %w", t.Name, i, err)
			}
			rows = append(rows, []any{runID, t.Name, i, data})
		}
	}
	return rows, nil
}

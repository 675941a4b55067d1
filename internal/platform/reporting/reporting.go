// Package reporting delivers finished report tables to their destinations.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Table is a named, flat set of rows with column names.
type Table struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Records returns the rows as column-keyed maps.
func (t Table) Records() []map[string]any {
	out := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for i, col := range t.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}

// Report is one run's output.
type Report struct {
	RunID       string    `json:"run_id"`
	ReportID    string    `json:"report_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Tables      []Table   `json:"tables"`
}

// Table returns the named table, or nil.
func (r Report) Table(name string) *Table {
	for i := range r.Tables {
		if r.Tables[i].Name == name {
			return &r.Tables[i]
		}
	}
	return nil
}

// Sink receives finished reports.
type Sink interface {
	Write(ctx context.Context, report Report) error
	Close() error
}

// Multi fans a report out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

func (m Multi) Write(ctx context.Context, report Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate checks that every row matches its table's column count.
func Validate(report Report) error {
	if report.ReportID == "" {
		return errors.New("report id is required")
	}
	for _, t := range report.Tables {
		if t.Name == "" {
			return fmt.Errorf("report %s: table without name", report.ReportID)
		}
		for i, row := range t.Rows {
			if len(row) != len(t.Columns) {
				return fmt.Errorf("report %s: table %s row %d has %d values, expected %d",
					report.ReportID, t.Name, i, len(row), len(t.Columns))
			}
		}
	}
	return nil
}

package reporting

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// FileSink writes each table as <dir>/<report>_<table>.csv and the whole
// report as <dir>/<report>.json. Existing files are replaced atomically.
type FileSink struct {
	dir    string
	logger zerolog.Logger
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string, logger zerolog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	return &FileSink{dir: dir, logger: logger}, nil
}

func (s *FileSink) Write(ctx context.Context, report Report) error {
	if err := Validate(report); err != nil {
		return err
	}
	for _, t := range report.Tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := encodeCSV(t)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", report.ReportID, t.Name, err)
		}
		path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.csv", report.ReportID, t.Name))
		if err := WriteFileAtomic(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		s.logger.Debug().Str("path", path).Int("rows", len(t.Rows)).Msg("table written")
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", report.ReportID, err)
	}
	path := filepath.Join(s.dir, report.ReportID+".json")
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.logger.Info().Str("report_id", report.ReportID).Str("dir", s.dir).Msg("report written")
	return nil
}

func (s *FileSink) Close() error { return nil }

func encodeCSV(t Table) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Columns); err != nil {
		return nil, err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			record[i] = formatCell(v)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case float64:
		return fmt.Sprintf("%g", x)
	}
	return fmt.Sprint(v)
}

// WriteFileAtomic writes data to path via temp file + rename so readers never
// observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	ok = true
	return nil
}

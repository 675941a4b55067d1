package incidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ehr/incidence/internal/domain/cohort"
)

// sqliteTime sorts lexicographically in UTC.
const sqliteTime = "2006-01-02 15:04:05.000"

// SQLiteStore is an EventStore over an offline SQLite snapshot with the same
// tables as the PostgreSQL schema. Timestamps are stored as UTC text and
// entity attributes as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the snapshot at path. Use
// ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite %s: %w", path, err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS entity (
		id TEXT PRIMARY KEY,
		birth_date TEXT,
		attributes TEXT
	);

	CREATE TABLE IF NOT EXISTS primary_event (
		record_id INTEGER PRIMARY KEY,
		entity_id TEXT,
		group_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		occurred_at TEXT,
		entered_at TEXT,
		site TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_primary_event_occurred
		ON primary_event(occurred_at);

	CREATE TABLE IF NOT EXISTS secondary_event (
		record_id INTEGER PRIMARY KEY,
		entity_id TEXT,
		condition_type TEXT,
		occurred_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_secondary_event_occurred
		ON secondary_event(occurred_at);
	`)
	return err
}

// InsertEntity upserts an entity.
func (s *SQLiteStore) InsertEntity(ctx context.Context, e cohort.Entity) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes for %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entity (id, birth_date, attributes) VALUES (?, ?, ?)`,
		e.ID, formatTime(e.BirthDate), string(attrs))
	return err
}

// InsertPrimary stores p. A zero RecordID lets SQLite assign one, which is
// returned.
func (s *SQLiteStore) InsertPrimary(ctx context.Context, p cohort.PrimaryEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO primary_event (record_id, entity_id, group_id, event_type, category,
			occurred_at, entered_at, site, location)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullID(p.RecordID), nullString(p.Entity.ID), p.GroupID, p.EventType, p.Category,
		formatTime(p.Timestamp), formatTime(p.EnteredAt), p.Site, p.Location)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertSecondary stores ev and returns its record id.
func (s *SQLiteStore) InsertSecondary(ctx context.Context, ev cohort.SecondaryEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO secondary_event (record_id, entity_id, condition_type, occurred_at) VALUES (?, ?, ?, ?)`,
		nullID(ev.RecordID), nullString(ev.EntityID), nullString(ev.ConditionType), formatTime(ev.Timestamp))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) FetchPrimary(ctx context.Context, b cohort.Bucket, f Filters) ([]cohort.PrimaryEvent, error) {
	query := `SELECT p.record_id, p.entity_id, e.birth_date, e.attributes,
		p.group_id, p.event_type, p.category, p.occurred_at, p.entered_at, p.site, p.location
	FROM primary_event p
	LEFT JOIN entity e ON e.id = p.entity_id
	WHERE p.occurred_at >= ? AND p.occurred_at < ?`
	args := []any{formatTime(b.Start()), formatTime(b.End())}
	if len(f.EventTypes) > 0 {
		query += " AND p.event_type IN (" + placeholders(len(f.EventTypes)) + ")"
		for _, t := range f.EventTypes {
			args = append(args, t)
		}
	}
	if f.Site != "" {
		query += " AND p.site = ?"
		args = append(args, f.Site)
	}
	query += " ORDER BY p.entity_id, p.occurred_at, p.record_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cohort.PrimaryEvent
	for rows.Next() {
		var (
			p                      cohort.PrimaryEvent
			entityID, birth, attrs sql.NullString
			occurredAt, enteredAt  sql.NullString
		)
		if err := rows.Scan(&p.RecordID, &entityID, &birth, &attrs,
			&p.GroupID, &p.EventType, &p.Category, &occurredAt, &enteredAt, &p.Site, &p.Location); err != nil {
			return nil, err
		}
		p.Entity.ID = entityID.String
		if p.Entity.BirthDate, err = parseTime(birth); err != nil {
			return nil, err
		}
		if attrs.Valid && attrs.String != "" && attrs.String != "null" {
			if err := json.Unmarshal([]byte(attrs.String), &p.Entity.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes of %s: %w", p.Entity.ID, err)
			}
		}
		if p.Timestamp, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		if p.EnteredAt, err = parseTime(enteredAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FetchSecondary(ctx context.Context, b cohort.Bucket, f Filters) ([]cohort.SecondaryEvent, error) {
	from, to := f.SecondaryRange(b)
	query := `SELECT record_id, entity_id, condition_type, occurred_at
	FROM secondary_event
	WHERE occurred_at >= ? AND occurred_at < ?`
	args := []any{formatTime(from), formatTime(to)}
	if len(f.Conditions) > 0 {
		query += " AND condition_type IN (" + placeholders(len(f.Conditions)) + ")"
		for _, c := range f.Conditions {
			args = append(args, c)
		}
	}
	query += " ORDER BY entity_id, occurred_at, record_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cohort.SecondaryEvent
	for rows.Next() {
		var (
			ev                              cohort.SecondaryEvent
			entityID, condition, occurredAt sql.NullString
		)
		if err := rows.Scan(&ev.RecordID, &entityID, &condition, &occurredAt); err != nil {
			return nil, err
		}
		ev.EntityID = entityID.String
		ev.ConditionType = condition.String
		if ev.Timestamp, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountUndated counts rows with a NULL occurred_at that match f.
func (s *SQLiteStore) CountUndated(ctx context.Context, f Filters) (int, int, error) {
	query := `SELECT count(*) FROM primary_event WHERE occurred_at IS NULL`
	var args []any
	if len(f.EventTypes) > 0 {
		query += " AND event_type IN (" + placeholders(len(f.EventTypes)) + ")"
		for _, t := range f.EventTypes {
			args = append(args, t)
		}
	}
	if f.Site != "" {
		query += " AND site = ?"
		args = append(args, f.Site)
	}
	var primary int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&primary); err != nil {
		return 0, 0, err
	}

	query = `SELECT count(*) FROM secondary_event WHERE occurred_at IS NULL`
	args = args[:0]
	if len(f.Conditions) > 0 {
		query += " AND condition_type IN (" + placeholders(len(f.Conditions)) + ")"
		for _, c := range f.Conditions {
			args = append(args, c)
		}
	}
	var secondary int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&secondary); err != nil {
		return 0, 0, err
	}
	return primary, secondary, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(sqliteTime)
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(sqliteTime, s.String, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s.String, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

package incidence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehr/incidence/internal/domain/cohort"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedSQLite(t *testing.T, store *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	birth := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	entities := []cohort.Entity{
		{ID: "A", BirthDate: birth, Attributes: map[string]string{"species": "Cat"}},
		{ID: "B", Attributes: map[string]string{"species": "Dog"}},
	}
	for _, e := range entities {
		if err := store.InsertEntity(ctx, e); err != nil {
			t.Fatalf("insert entity: %v", err)
		}
	}

	primary := []cohort.PrimaryEvent{
		dentalEvent(1, "A", at(time.March, 5, 10)),
		dentalEvent(2, "B", at(time.March, 31, 23)),
		dentalEvent(3, "B", at(time.April, 1, 0)),
		{RecordID: 4, Entity: cohort.Entity{ID: "A"}, EventType: "Intake", Timestamp: at(time.March, 25, 9), Site: "Other"},
		{RecordID: 5, EventType: "Intake", Timestamp: at(time.March, 8, 9)},
	}
	for _, p := range primary {
		if _, err := store.InsertPrimary(ctx, p); err != nil {
			t.Fatalf("insert primary: %v", err)
		}
	}

	secondary := []cohort.SecondaryEvent{
		complication(100, "A", at(time.March, 15, 8)),
		complication(101, "B", at(time.April, 21, 23)),
		complication(102, "B", at(time.April, 22, 0)),
		{RecordID: 103, EntityID: "A", ConditionType: "Ranula", Timestamp: at(time.March, 20, 8)},
	}
	for _, s := range secondary {
		if _, err := store.InsertSecondary(ctx, s); err != nil {
			t.Fatalf("insert secondary: %v", err)
		}
	}
}

func recordIDs[T any](rows []T, id func(T) int64) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = id(r)
	}
	return out
}

func TestSQLiteStore_FetchPrimary(t *testing.T) {
	store := newSQLiteStore(t)
	seedSQLite(t, store)
	ctx := context.Background()
	march := monthBucket(time.March)

	rows, err := store.FetchPrimary(ctx, march, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := recordIDs(rows, func(p cohort.PrimaryEvent) int64 { return p.RecordID })
	if len(ids) != 4 {
		t.Fatalf("expected 4 March records (half-open range), got %v", ids)
	}
	// NULL entity ids sort first.
	if ids[0] != 5 {
		t.Errorf("expected the orphan record first, got %v", ids)
	}

	var a cohort.PrimaryEvent
	for _, p := range rows {
		if p.RecordID == 1 {
			a = p
		}
	}
	if !a.Timestamp.Equal(at(time.March, 5, 10)) {
		t.Errorf("expected timestamp to round-trip, got %v", a.Timestamp)
	}
	if a.Entity.Attr("species") != "Cat" || a.Entity.BirthDate.IsZero() {
		t.Errorf("expected entity attributes joined, got %+v", a.Entity)
	}

	filtered, err := store.FetchPrimary(ctx, march, Filters{EventTypes: []string{"Intake"}, Site: "Other"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(filtered) != 1 || filtered[0].RecordID != 4 {
		t.Errorf("expected only record 4, got %v", recordIDs(filtered, func(p cohort.PrimaryEvent) int64 { return p.RecordID }))
	}
}

func TestSQLiteStore_FetchSecondary(t *testing.T) {
	store := newSQLiteStore(t)
	seedSQLite(t, store)
	ctx := context.Background()

	rows, err := store.FetchSecondary(ctx, monthBucket(time.March), Filters{HorizonDays: 21})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := recordIDs(rows, func(s cohort.SecondaryEvent) int64 { return s.RecordID })
	if len(ids) != 3 {
		t.Fatalf("expected records up to April 22 exclusive, got %v", ids)
	}

	rows, err = store.FetchSecondary(ctx, monthBucket(time.March), Filters{HorizonDays: 21, Conditions: []string{"Ranula"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].RecordID != 103 {
		t.Errorf("expected only the Ranula record, got %v", rows)
	}
}

func TestSQLiteStore_FileAndPing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("expected ping to succeed, got %v", err)
	}
	id, err := store.InsertPrimary(context.Background(), cohort.PrimaryEvent{
		Entity: cohort.Entity{ID: "A"}, EventType: "Intake", Timestamp: at(time.May, 1, 0),
	})
	if err != nil || id == 0 {
		t.Errorf("expected generated record id, got %d (%v)", id, err)
	}
	store.Close()

	// Reopening runs the migration again over existing tables.
	store, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	rows, err := store.FetchPrimary(context.Background(), monthBucket(time.May), Filters{})
	if err != nil || len(rows) != 1 {
		t.Errorf("expected persisted record, got %d (%v)", len(rows), err)
	}
}

func TestSQLiteStore_ServiceRun(t *testing.T) {
	store := newSQLiteStore(t)
	seedSQLite(t, store)

	res, err := newTestService(store).Run(context.Background(), dentalDefinition(), 2024, 2024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stats.DroppedPrimary != 1 {
		t.Errorf("expected the orphan primary dropped, got %d", res.Stats.DroppedPrimary)
	}
	row := findRow(res.Series, monthBucket(time.March), "Comp", "Dental")
	if row == nil || row.Count != 1 {
		t.Fatalf("expected one March Comp, got %+v", row)
	}
}

func TestSQLiteStore_CountUndated(t *testing.T) {
	store := newSQLiteStore(t)
	seedSQLite(t, store)
	ctx := context.Background()

	undated := []cohort.PrimaryEvent{
		{Entity: cohort.Entity{ID: "A"}, EventType: "Dental Extraction", Site: "Main"},
		{Entity: cohort.Entity{ID: "B"}, EventType: "Intake", Site: "Other"},
	}
	for _, p := range undated {
		if _, err := store.InsertPrimary(ctx, p); err != nil {
			t.Fatalf("insert primary: %v", err)
		}
	}
	if _, err := store.InsertSecondary(ctx, cohort.SecondaryEvent{EntityID: "A", ConditionType: "Complication"}); err != nil {
		t.Fatalf("insert secondary: %v", err)
	}

	primary, secondary, err := store.CountUndated(ctx, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary != 2 || secondary != 1 {
		t.Errorf("expected 2 undated primary and 1 secondary, got %d and %d", primary, secondary)
	}

	primary, secondary, err = store.CountUndated(ctx, Filters{EventTypes: []string{"Intake"}, Conditions: []string{"Ranula"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary != 1 || secondary != 0 {
		t.Errorf("expected filters applied, got %d and %d", primary, secondary)
	}
}

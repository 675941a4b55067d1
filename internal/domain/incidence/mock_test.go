package incidence

import (
	"context"
	"sync"
	"time"

	"github.com/ehr/incidence/internal/domain/cohort"
	"github.com/ehr/incidence/internal/platform/reporting"
)

// memStore serves records from memory with the same range semantics as the
// SQL stores.
type memStore struct {
	primary   []cohort.PrimaryEvent
	secondary []cohort.SecondaryEvent

	// failOn makes fetches of that bucket and side fail.
	failOn   *cohort.Bucket
	failSide cohort.Side
	// delay slows fetches of early buckets so they complete last.
	delay time.Duration

	mu     sync.Mutex
	calls  int
	ranges map[cohort.Bucket][2]time.Time
}

func (m *memStore) record(b cohort.Bucket, from, to time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.ranges == nil {
		m.ranges = make(map[cohort.Bucket][2]time.Time)
	}
	if !from.IsZero() {
		m.ranges[b] = [2]time.Time{from, to}
	}
}

func (m *memStore) wait(ctx context.Context, b cohort.Bucket) error {
	if m.delay == 0 {
		return nil
	}
	select {
	case <-time.After(m.delay * time.Duration(13-b.Period)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memStore) FetchPrimary(ctx context.Context, b cohort.Bucket, f Filters) ([]cohort.PrimaryEvent, error) {
	m.record(b, time.Time{}, time.Time{})
	if err := m.wait(ctx, b); err != nil {
		return nil, err
	}
	if m.failOn != nil && *m.failOn == b && m.failSide == cohort.SidePrimary {
		return nil, errStoreDown
	}
	types := toSet(f.EventTypes)
	var out []cohort.PrimaryEvent
	for _, p := range m.primary {
		if p.Timestamp.Before(b.Start()) || !p.Timestamp.Before(b.End()) {
			continue
		}
		if len(types) > 0 && !types[p.EventType] {
			continue
		}
		if f.Site != "" && p.Site != f.Site {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) FetchSecondary(ctx context.Context, b cohort.Bucket, f Filters) ([]cohort.SecondaryEvent, error) {
	from, to := f.SecondaryRange(b)
	m.record(b, from, to)
	if err := m.wait(ctx, b); err != nil {
		return nil, err
	}
	if m.failOn != nil && *m.failOn == b && m.failSide == cohort.SideSecondary {
		return nil, errStoreDown
	}
	conditions := toSet(f.Conditions)
	var out []cohort.SecondaryEvent
	for _, s := range m.secondary {
		if s.Timestamp.Before(from) || !s.Timestamp.Before(to) {
			continue
		}
		if len(conditions) > 0 && !conditions[s.ConditionType] {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

type storeError string

func (e storeError) Error() string { return string(e) }

const errStoreDown = storeError("connection refused")

// captureSink keeps every written report.
type captureSink struct {
	mu      sync.Mutex
	reports []reporting.Report
	err     error
}

func (s *captureSink) Write(_ context.Context, r reporting.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *captureSink) Close() error { return nil }

// July 2024: monthly runs of 2024 cover January through June.
var fixedNow = time.Date(2024, time.July, 15, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func at(month time.Month, day, hour int) time.Time {
	return time.Date(2024, month, day, hour, 0, 0, 0, time.UTC)
}

func monthBucket(m time.Month) cohort.Bucket {
	return cohort.Bucket{Granularity: cohort.Monthly, Year: 2024, Period: int(m)}
}

func dentalEvent(id int64, entity string, ts time.Time) cohort.PrimaryEvent {
	return cohort.PrimaryEvent{
		RecordID:  id,
		Entity:    cohort.Entity{ID: entity, Attributes: map[string]string{"species": "Dog"}},
		EventType: "Dental Extraction",
		Category:  "Dental",
		Timestamp: ts,
		EnteredAt: ts,
		Site:      "Main",
	}
}

func complication(id int64, entity string, ts time.Time) cohort.SecondaryEvent {
	return cohort.SecondaryEvent{RecordID: id, EntityID: entity, ConditionType: "Complication", Timestamp: ts}
}

func dentalDefinition() *ReportDefinition {
	return &ReportDefinition{
		ID:          "dental-test",
		Name:        "Dental test",
		Granularity: "monthly",
		Window:      cohort.Window{Min: 4, Max: 21},
		Dimensions: []Dimension{
			{Name: "category", Source: SourceCategoryRefined},
		},
		Positive:  "Comp",
		Negative:  "NoComp",
		Precision: 1,
	}
}

func findRow(rows []cohort.SeriesRow, b cohort.Bucket, outcome string, dims ...string) *cohort.SeriesRow {
	for i := range rows {
		r := &rows[i]
		if r.Bucket != b || r.Outcome != outcome || len(r.Dimensions) != len(dims) {
			continue
		}
		match := true
		for j := range dims {
			if r.Dimensions[j] != dims[j] {
				match = false
			}
		}
		if match {
			return r
		}
	}
	return nil
}

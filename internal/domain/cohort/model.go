// Package cohort implements the temporal cohort-incidence engine: calendar
// bucketing, cohort reduction, window matching, and gap-filled series assembly.
// Functions here do not mutate their inputs, SortRecords aside.
package cohort

import (
	"time"
)

// DefaultMultipleLabel is the refined category given to entities with more
// than one qualifying primary event on the same day.
const DefaultMultipleLabel = "Multiple"

// Entity is a tracked subject. Attributes carry caller-defined dimension
// values such as species or sex.
type Entity struct {
	ID         string            `json:"id"`
	BirthDate  time.Time         `json:"birth_date,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attr returns the named attribute or "" when absent.
func (e Entity) Attr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// PrimaryEvent is the triggering event of a metric (surgery, intake).
type PrimaryEvent struct {
	RecordID  int64     `json:"record_id"`
	Entity    Entity    `json:"entity"`
	GroupID   string    `json:"group_id,omitempty"`
	EventType string    `json:"event_type"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
	EnteredAt time.Time `json:"entered_at,omitempty"`
	Site      string    `json:"site,omitempty"`
	Location  string    `json:"location,omitempty"`
}

// SecondaryEvent is the outcome whose incidence is measured.
type SecondaryEvent struct {
	RecordID      int64     `json:"record_id"`
	EntityID      string    `json:"entity_id"`
	ConditionType string    `json:"condition_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// CohortRecord is one canonical primary event per entity and day.
type CohortRecord struct {
	PrimaryEvent
	Day             time.Time `json:"day"`
	Bucket          Bucket    `json:"bucket"`
	CategoryRefined string    `json:"category_refined"`
}

// Match pairs a cohort record with the secondary event attributed to it.
type Match struct {
	Primary         CohortRecord   `json:"primary"`
	Secondary       SecondaryEvent `json:"secondary"`
	OffsetDays      int            `json:"offset_days"`
	CategoryRefined string         `json:"category_refined"`
}

// Window is an inclusive day-offset range.
type Window struct {
	Min int `json:"min" koanf:"min"`
	Max int `json:"max" koanf:"max"`
}

// Contains reports whether days lies inside the window, bounds included.
func (w Window) Contains(days int) bool {
	return days >= w.Min && days <= w.Max
}

// Observation is one countable unit fed to the series assembler.
type Observation struct {
	Dimensions []string
	Bucket     Bucket
	Outcome    string
	Weight     int
}

// SeriesRow is one cell of the assembled series.
type SeriesRow struct {
	Dimensions []string `json:"dimensions"`
	Bucket     Bucket   `json:"bucket"`
	Outcome    string   `json:"outcome"`
	Count      int      `json:"count"`
	Total      int      `json:"total"`
	Rate       float64  `json:"rate"`
}

// ClassifyFunc assigns a category to a primary event.
type ClassifyFunc func(PrimaryEvent) string

// TableClassifier maps event types to categories through a lookup table.
// Unknown types get fallback.
func TableClassifier(table map[string]string, fallback string) ClassifyFunc {
	return func(p PrimaryEvent) string {
		if c, ok := table[p.EventType]; ok {
			return c
		}
		return fallback
	}
}

// Classify returns copies of events with Category set by fn. Events that
// already carry a category keep it when fn is nil.
func Classify(events []PrimaryEvent, fn ClassifyFunc) []PrimaryEvent {
	out := make([]PrimaryEvent, len(events))
	copy(out, events)
	if fn == nil {
		return out
	}
	for i := range out {
		out[i].Category = fn(out[i])
	}
	return out
}

// truncateDay drops the clock part of t in its own location.
func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar-day boundaries from a to b.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

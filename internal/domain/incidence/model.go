// Package incidence runs configured incidence reports against an event
// store: it fetches each bucket, reduces and matches the cohorts, and
// assembles the gap-filled series.
package incidence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/incidence/internal/domain/cohort"
	"github.com/ehr/incidence/internal/platform/reporting"
)

// Dimension sources.
const (
	SourceCategory        = "category"
	SourceCategoryRefined = "category_refined"
	SourceSite            = "site"
	SourceEventType       = "event_type"
	SourceLocation        = "location"
	SourceAge             = "age"
	SourceAttrPrefix      = "attr:"
)

// Age reference points for SourceAge dimensions.
const (
	AgeAtEvent       = "event"
	AgeAtBucketStart = "bucket_start"
)

// AgeBand labels an inclusive range of ages in whole weeks.
type AgeBand struct {
	Label    string `json:"label" koanf:"label"`
	MinWeeks int    `json:"min_weeks" koanf:"min_weeks"`
	MaxWeeks int    `json:"max_weeks" koanf:"max_weeks"`
}

// Dimension is one grouping axis of a report's series.
type Dimension struct {
	Name   string `json:"name" koanf:"name"`
	Source string `json:"source" koanf:"source"`
	// Map rewrites raw values (species to species group).
	Map map[string]string `json:"map,omitempty" koanf:"map"`
	// Default replaces empty or unmapped values when Map is set.
	Default string    `json:"default,omitempty" koanf:"default"`
	Bands   []AgeBand `json:"bands,omitempty" koanf:"bands"`
	// AgeAt is AgeAtEvent (default) or AgeAtBucketStart.
	AgeAt string `json:"age_at,omitempty" koanf:"age_at"`
	// Seed lists values that always appear on the axis.
	Seed []string `json:"seed,omitempty" koanf:"seed"`
}

// ReportDefinition describes one incidence report. Vocabularies live here
// as data; the engine never branches on them.
type ReportDefinition struct {
	ID          string `json:"id" koanf:"id"`
	Name        string `json:"name" koanf:"name"`
	Description string `json:"description" koanf:"description"`
	Granularity string `json:"granularity" koanf:"granularity"`
	// LookbackYears sets the default start year relative to the current one.
	LookbackYears int `json:"lookback_years" koanf:"lookback_years"`

	EventTypes        []string `json:"event_types,omitempty" koanf:"event_types"`
	Conditions        []string `json:"conditions,omitempty" koanf:"conditions"`
	Site              string   `json:"site,omitempty" koanf:"site"`
	ExcludeEventTypes []string `json:"exclude_event_types,omitempty" koanf:"exclude_event_types"`
	ExcludeLocations  []string `json:"exclude_locations,omitempty" koanf:"exclude_locations"`

	Classification  map[string]string `json:"classification,omitempty" koanf:"classification"`
	DefaultCategory string            `json:"default_category,omitempty" koanf:"default_category"`
	MultipleLabel   string            `json:"multiple_label,omitempty" koanf:"multiple_label"`
	MultipleRelabel string            `json:"multiple_relabel,omitempty" koanf:"multiple_relabel"`

	Window      cohort.Window  `json:"window" koanf:"window"`
	Exclusion   *cohort.Window `json:"exclusion,omitempty" koanf:"exclusion"`
	HorizonDays int            `json:"horizon_days,omitempty" koanf:"horizon_days"`

	Dimensions     []Dimension `json:"dimensions" koanf:"dimensions"`
	Positive       string      `json:"positive" koanf:"positive"`
	Negative       string      `json:"negative" koanf:"negative"`
	Base           string      `json:"base,omitempty" koanf:"base"`
	Precision      int         `json:"precision" koanf:"precision"`
	CategoryFilter []string    `json:"category_filter,omitempty" koanf:"category_filter"`
	// TrailingBuckets keeps only the last N buckets in the series.
	TrailingBuckets int `json:"trailing_buckets,omitempty" koanf:"trailing_buckets"`
}

// Validate checks a definition before it is run.
func (d *ReportDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("report id is required")
	}
	if _, err := cohort.ParseGranularity(d.Granularity); err != nil {
		return fmt.Errorf("report %s: %w", d.ID, err)
	}
	if d.Window.Min < 0 || d.Window.Max < d.Window.Min {
		return fmt.Errorf("report %s: invalid window [%d,%d]", d.ID, d.Window.Min, d.Window.Max)
	}
	if d.Exclusion != nil && (d.Exclusion.Min < 0 || d.Exclusion.Max < d.Exclusion.Min) {
		return fmt.Errorf("report %s: invalid exclusion window [%d,%d]", d.ID, d.Exclusion.Min, d.Exclusion.Max)
	}
	if d.Positive == "" || d.Negative == "" {
		return fmt.Errorf("report %s: positive and negative outcome labels are required", d.ID)
	}
	if d.Base != "" && d.Base != d.Positive && d.Base != d.Negative {
		return fmt.Errorf("report %s: base outcome %q is not one of %q, %q", d.ID, d.Base, d.Positive, d.Negative)
	}
	if d.Precision < 0 {
		return fmt.Errorf("report %s: precision must not be negative", d.ID)
	}
	for _, dim := range d.Dimensions {
		if err := dim.validate(); err != nil {
			return fmt.Errorf("report %s: %w", d.ID, err)
		}
	}
	return nil
}

// GranularityValue returns the parsed granularity; Validate guarantees it
// parses.
func (d *ReportDefinition) GranularityValue() cohort.Granularity {
	g, _ := cohort.ParseGranularity(d.Granularity)
	return g
}

// Horizon is how many days past a bucket secondary events are fetched.
func (d *ReportDefinition) Horizon() int {
	h := d.HorizonDays
	if d.Window.Max > h {
		h = d.Window.Max
	}
	if d.Exclusion != nil && d.Exclusion.Max > h {
		h = d.Exclusion.Max
	}
	return h
}

// DimensionNames returns the names in series column order.
func (d *ReportDefinition) DimensionNames() []string {
	names := make([]string, len(d.Dimensions))
	for i, dim := range d.Dimensions {
		names[i] = dim.Name
	}
	return names
}

// RunStats summarizes what a run fetched and discarded.
type RunStats struct {
	Buckets              int `json:"buckets"`
	PrimaryFetched       int `json:"primary_fetched"`
	SecondaryFetched     int `json:"secondary_fetched"`
	DroppedPrimary       int `json:"dropped_primary"`
	DroppedSecondary     int `json:"dropped_secondary"`
	UndatedPrimary       int `json:"undated_primary"`
	UndatedSecondary     int `json:"undated_secondary"`
	FilteredPrimary      int `json:"filtered_primary"`
	CohortSize           int `json:"cohort_size"`
	Excluded             int `json:"excluded"`
	Matches              int `json:"matches"`
	UnbandedObservations int `json:"unbanded_observations"`
}

// Result is the output of one report run.
type Result struct {
	RunID       uuid.UUID             `json:"run_id"`
	ReportID    string                `json:"report_id"`
	GeneratedAt time.Time             `json:"generated_at"`
	Dimensions  []string              `json:"dimensions"`
	Buckets     []cohort.Bucket       `json:"buckets"`
	Denominator []cohort.CohortRecord `json:"-"`
	Numerator   []cohort.Match        `json:"-"`
	Series      []cohort.SeriesRow    `json:"series"`
	Stats       RunStats              `json:"stats"`
}

// Tables renders the result as the denominator, numerator and series tables.
func (r *Result) Tables() []reporting.Table {
	denom := reporting.Table{
		Name:    "denominator",
		Columns: []string{"entity_id", "record_id", "bucket", "day", "event_type", "category", "category_refined", "site"},
	}
	for _, c := range r.Denominator {
		denom.Rows = append(denom.Rows, []any{
			c.Entity.ID, c.RecordID, c.Bucket.String(), c.Day.Format("2006-01-02"),
			c.EventType, c.Category, c.CategoryRefined, c.Site,
		})
	}

	num := reporting.Table{
		Name:    "numerator",
		Columns: []string{"entity_id", "primary_record_id", "secondary_record_id", "condition_type", "bucket", "offset_days", "category_refined"},
	}
	for _, m := range r.Numerator {
		num.Rows = append(num.Rows, []any{
			m.Primary.Entity.ID, m.Primary.RecordID, m.Secondary.RecordID, m.Secondary.ConditionType,
			m.Primary.Bucket.String(), m.OffsetDays, m.CategoryRefined,
		})
	}

	series := reporting.Table{Name: "series"}
	series.Columns = append(series.Columns, r.Dimensions...)
	series.Columns = append(series.Columns, "bucket", "outcome", "count", "total", "rate")
	for _, row := range r.Series {
		vals := make([]any, 0, len(series.Columns))
		for _, d := range row.Dimensions {
			vals = append(vals, d)
		}
		vals = append(vals, row.Bucket.String(), row.Outcome, row.Count, row.Total, row.Rate)
		series.Rows = append(series.Rows, vals)
	}

	return []reporting.Table{denom, num, series}
}

// Report wraps the result for a reporting.Sink.
func (r *Result) Report() reporting.Report {
	return reporting.Report{
		RunID:       r.RunID.String(),
		ReportID:    r.ReportID,
		GeneratedAt: r.GeneratedAt,
		Tables:      r.Tables(),
	}
}

// ParseYearRange parses "2023-2025" or a single year.
func ParseYearRange(s string) (start, end int, err error) {
	from, to, found := strings.Cut(s, "-")
	start, err = strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start year %q", from)
	}
	end = start
	if found {
		end, err = strconv.Atoi(strings.TrimSpace(to))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid end year %q", to)
		}
	}
	if end < start {
		return 0, 0, fmt.Errorf("end year %d before start year %d", end, start)
	}
	return start, end, nil
}

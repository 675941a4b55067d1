package incidence

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/incidence/internal/domain/cohort"
)

func (d Dimension) validate() error {
	if d.Name == "" {
		return fmt.Errorf("dimension without name")
	}
	switch {
	case d.Source == SourceCategory, d.Source == SourceCategoryRefined, d.Source == SourceSite,
		d.Source == SourceEventType, d.Source == SourceLocation:
	case d.Source == SourceAge:
		if len(d.Bands) == 0 {
			return fmt.Errorf("dimension %s: age source needs bands", d.Name)
		}
		for _, b := range d.Bands {
			if b.Label == "" || b.MinWeeks < 0 || b.MaxWeeks < b.MinWeeks {
				return fmt.Errorf("dimension %s: invalid band %+v", d.Name, b)
			}
		}
		if d.AgeAt != "" && d.AgeAt != AgeAtEvent && d.AgeAt != AgeAtBucketStart {
			return fmt.Errorf("dimension %s: unknown age reference %q", d.Name, d.AgeAt)
		}
	case strings.HasPrefix(d.Source, SourceAttrPrefix) && len(d.Source) > len(SourceAttrPrefix):
	default:
		return fmt.Errorf("dimension %s: unknown source %q", d.Name, d.Source)
	}
	return nil
}

// Value resolves the dimension for r. It reports false when an age falls
// outside every band and no default is set.
func (d Dimension) Value(r cohort.CohortRecord) (string, bool) {
	var raw string
	switch {
	case d.Source == SourceCategory:
		raw = r.Category
	case d.Source == SourceCategoryRefined:
		raw = r.CategoryRefined
	case d.Source == SourceSite:
		raw = r.Site
	case d.Source == SourceEventType:
		raw = r.EventType
	case d.Source == SourceLocation:
		raw = r.Location
	case d.Source == SourceAge:
		return d.band(r)
	case strings.HasPrefix(d.Source, SourceAttrPrefix):
		raw = r.Entity.Attr(strings.TrimPrefix(d.Source, SourceAttrPrefix))
	}

	if d.Map != nil {
		if v, ok := d.Map[raw]; ok {
			return v, true
		}
	}
	if d.Default != "" && (raw == "" || d.Map != nil) {
		return d.Default, true
	}
	return raw, true
}

// band measures age at the primary event, or at the start of its bucket.
// Entities born during the bucket are zero weeks old at its start.
func (d Dimension) band(r cohort.CohortRecord) (string, bool) {
	birth := r.Entity.BirthDate
	ref := r.Timestamp
	if d.AgeAt == AgeAtBucketStart {
		ref = r.Bucket.Start()
		if ref.Before(birth) {
			ref = birth
		}
	}
	if !birth.IsZero() && !ref.Before(birth) {
		weeks := AgeWeeks(birth, ref)
		for _, b := range d.Bands {
			if weeks >= b.MinWeeks && weeks <= b.MaxWeeks {
				return b.Label, true
			}
		}
	}
	return d.Default, d.Default != ""
}

// Seeds lists the values that must appear on the axis even when unobserved.
func (d Dimension) Seeds() []string {
	seeds := make([]string, 0, len(d.Seed)+len(d.Bands))
	seeds = append(seeds, d.Seed...)
	for _, b := range d.Bands {
		seeds = append(seeds, b.Label)
	}
	return seeds
}

// AgeWeeks counts whole weeks between two calendar dates.
func AgeWeeks(birth, at time.Time) int {
	by, bm, bd := birth.Date()
	ay, am, ad := at.Date()
	from := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	to := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours()/24) / 7
}

// resolver returns the dimension values of a record, or nil when any
// dimension cannot be resolved.
func resolver(dims []Dimension) func(cohort.CohortRecord) []string {
	return func(r cohort.CohortRecord) []string {
		out := make([]string, 0, len(dims))
		for _, d := range dims {
			v, ok := d.Value(r)
			if !ok {
				return nil
			}
			out = append(out, v)
		}
		return out
	}
}

func seedsOf(dims []Dimension) map[string][]string {
	seeds := make(map[string][]string)
	for _, d := range dims {
		if s := d.Seeds(); len(s) > 0 {
			seeds[d.Name] = s
		}
	}
	return seeds
}

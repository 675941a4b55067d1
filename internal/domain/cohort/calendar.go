package cohort

import (
	"fmt"
	"time"
)

// Granularity selects the size of a reporting period.
type Granularity string

const (
	Monthly Granularity = "month"
	Weekly  Granularity = "week"
)

// ParseGranularity accepts "month"/"monthly" and "week"/"weekly". Empty
// input means monthly.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "", "month", "monthly":
		return Monthly, nil
	case "week", "weekly":
		return Weekly, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

// Bucket is one reporting period. For weekly buckets Year is the ISO year and
// Period the ISO week.
type Bucket struct {
	Granularity Granularity `json:"granularity"`
	Year        int         `json:"year"`
	Period      int         `json:"period"`
}

// Start returns the first instant of the bucket in UTC.
func (b Bucket) Start() time.Time {
	if b.Granularity == Weekly {
		return isoWeekStart(b.Year, b.Period)
	}
	return time.Date(b.Year, time.Month(b.Period), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant after the bucket.
func (b Bucket) End() time.Time {
	if b.Granularity == Weekly {
		return b.Start().AddDate(0, 0, 7)
	}
	return b.Start().AddDate(0, 1, 0)
}

// Before orders buckets chronologically.
func (b Bucket) Before(o Bucket) bool {
	if b.Year != o.Year {
		return b.Year < o.Year
	}
	return b.Period < o.Period
}

func (b Bucket) String() string {
	if b.Granularity == Weekly {
		return fmt.Sprintf("%04d-W%02d", b.Year, b.Period)
	}
	return fmt.Sprintf("%04d-%02d", b.Year, b.Period)
}

// BucketOf returns the bucket containing t.
func BucketOf(t time.Time, g Granularity) Bucket {
	if g == Weekly {
		y, w := t.ISOWeek()
		return Bucket{Granularity: Weekly, Year: y, Period: w}
	}
	return Bucket{Granularity: Monthly, Year: t.Year(), Period: int(t.Month())}
}

// Bucketer enumerates closed reporting periods up to, but excluding, the
// period containing Now.
type Bucketer struct {
	Granularity Granularity
	Now         func() time.Time
}

// NewBucketer returns a Bucketer on the wall clock.
func NewBucketer(g Granularity) *Bucketer {
	return &Bucketer{Granularity: g, Now: time.Now}
}

// Buckets returns every closed bucket of the years [startYear, endYear].
// When Now falls in the first period of its year, the prior year is emitted
// in full once, so year-end reports still see December (or week 52/53).
func (b *Bucketer) Buckets(startYear, endYear int) []Bucket {
	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}
	g := b.Granularity
	if g == "" {
		g = Monthly
	}
	current := BucketOf(now, g)

	var out []Bucket
	if startYear > current.Year {
		return out
	}
	for year := startYear; year <= endYear && year <= current.Year; year++ {
		if year < current.Year {
			out = appendYear(out, g, year, periodsIn(g, year))
			continue
		}
		if current.Period == 1 {
			if startYear > year-1 {
				out = appendYear(out, g, year-1, periodsIn(g, year-1))
			}
			break
		}
		out = appendYear(out, g, year, current.Period-1)
	}
	return out
}

// Trailing keeps the last n buckets. n <= 0 keeps everything.
func Trailing(buckets []Bucket, n int) []Bucket {
	if n <= 0 || n >= len(buckets) {
		out := make([]Bucket, len(buckets))
		copy(out, buckets)
		return out
	}
	out := make([]Bucket, n)
	copy(out, buckets[len(buckets)-n:])
	return out
}

func appendYear(out []Bucket, g Granularity, year, last int) []Bucket {
	for p := 1; p <= last; p++ {
		out = append(out, Bucket{Granularity: g, Year: year, Period: p})
	}
	return out
}

func periodsIn(g Granularity, year int) int {
	if g == Weekly {
		// Dec 28 is always in the last ISO week of its year.
		_, w := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
		return w
	}
	return 12
}

func isoWeekStart(year, week int) time.Time {
	// Jan 4 is always in ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	monday := jan4.AddDate(0, 0, -offset)
	return monday.AddDate(0, 0, (week-1)*7)
}

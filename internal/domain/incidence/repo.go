package incidence

import (
	"context"
	"time"

	"github.com/ehr/incidence/internal/domain/cohort"
)

// Filters narrows an event store fetch.
type Filters struct {
	EventTypes []string
	Conditions []string
	Site       string
	// HorizonDays extends the secondary fetch past the bucket end.
	HorizonDays int
}

// SecondaryRange returns the half-open range secondary events of b are
// fetched over.
func (f Filters) SecondaryRange(b cohort.Bucket) (time.Time, time.Time) {
	return b.Start(), b.End().AddDate(0, 0, f.HorizonDays)
}

// EventStore answers point-in-time queries for raw primary and secondary
// records. Implementations return records whose timestamps fall in the
// bucket (or, for secondaries, the extended range); required fields may be
// missing and are validated by the caller.
type EventStore interface {
	FetchPrimary(ctx context.Context, b cohort.Bucket, f Filters) ([]cohort.PrimaryEvent, error)
	FetchSecondary(ctx context.Context, b cohort.Bucket, f Filters) ([]cohort.SecondaryEvent, error)
	Ping(ctx context.Context) error
}

// UndatedCounter is implemented by stores that can count records without a
// timestamp. Those rows never fall in a bucket, so fetches cannot return
// them for validation.
type UndatedCounter interface {
	CountUndated(ctx context.Context, f Filters) (primary, secondary int, err error)
}

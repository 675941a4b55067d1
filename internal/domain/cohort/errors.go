package cohort

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable marks a failed event store fetch. It aborts the run.
	ErrSourceUnavailable = errors.New("event source unavailable")

	// ErrMalformedRecord marks a raw record missing a required field. Such
	// records are dropped and counted, never fatal.
	ErrMalformedRecord = errors.New("malformed record")
)

// Side names which half of a cohort a record or fetch belongs to.
type Side string

const (
	SidePrimary   Side = "primary"
	SideSecondary Side = "secondary"
)

// SourceError reports the bucket whose fetch failed.
type SourceError struct {
	Bucket Bucket
	Side   Side
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("fetch %s records for %s: %v", e.Side, e.Bucket, e.Err)
}

func (e *SourceError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}

// ValidatePrimary checks the fields the engine relies on.
func ValidatePrimary(p PrimaryEvent) error {
	switch {
	case p.Entity.ID == "":
		return fmt.Errorf("%w: primary record %d has no entity id", ErrMalformedRecord, p.RecordID)
	case p.Timestamp.IsZero():
		return fmt.Errorf("%w: primary record %d has no timestamp", ErrMalformedRecord, p.RecordID)
	}
	return nil
}

// ValidateSecondary checks the fields the engine relies on.
func ValidateSecondary(s SecondaryEvent) error {
	switch {
	case s.EntityID == "":
		return fmt.Errorf("%w: secondary record %d has no entity id", ErrMalformedRecord, s.RecordID)
	case s.Timestamp.IsZero():
		return fmt.Errorf("%w: secondary record %d has no timestamp", ErrMalformedRecord, s.RecordID)
	case s.ConditionType == "":
		return fmt.Errorf("%w: secondary record %d has no condition type", ErrMalformedRecord, s.RecordID)
	}
	return nil
}

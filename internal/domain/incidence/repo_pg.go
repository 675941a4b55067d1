package incidence

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/incidence/internal/domain/cohort"
	"github.com/ehr/incidence/internal/platform/db"
)

type eventStorePG struct {
	pool   *pgxpool.Pool
	schema string
}

// NewEventStorePG reads the primary_event, secondary_event and entity tables
// of schema.
func NewEventStorePG(pool *pgxpool.Pool, schema string) EventStore {
	return &eventStorePG{pool: pool, schema: schema}
}

const primarySQL = `SELECT p.record_id, p.entity_id, e.birth_date, e.attributes,
	p.group_id, p.event_type, p.category, p.occurred_at, p.entered_at, p.site, p.location
FROM primary_event p
LEFT JOIN entity e ON e.id = p.entity_id
WHERE p.occurred_at >= $1 AND p.occurred_at < $2
	AND (cardinality($3::text[]) = 0 OR p.event_type = ANY($3))
	AND ($4::text = '' OR p.site = $4)
ORDER BY p.entity_id, p.occurred_at, p.record_id`

const secondarySQL = `SELECT record_id, entity_id, condition_type, occurred_at
FROM secondary_event
WHERE occurred_at >= $1 AND occurred_at < $2
	AND (cardinality($3::text[]) = 0 OR condition_type = ANY($3))
ORDER BY entity_id, occurred_at, record_id`

func (s *eventStorePG) FetchPrimary(ctx context.Context, b cohort.Bucket, f Filters) ([]cohort.PrimaryEvent, error) {
	conn, err := db.AcquireScoped(ctx, s.pool, s.schema)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, primarySQL, b.Start(), b.End(), nonNil(f.EventTypes), f.Site)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanPrimary)
}

func scanPrimary(row pgx.CollectableRow) (cohort.PrimaryEvent, error) {
	var (
		p          cohort.PrimaryEvent
		entityID   *string
		birth      *time.Time
		attrs      map[string]string
		occurredAt *time.Time
		enteredAt  *time.Time
	)
	err := row.Scan(&p.RecordID, &entityID, &birth, &attrs,
		&p.GroupID, &p.EventType, &p.Category, &occurredAt, &enteredAt, &p.Site, &p.Location)
	if err != nil {
		return p, err
	}
	if entityID != nil {
		p.Entity.ID = *entityID
	}
	if birth != nil {
		p.Entity.BirthDate = *birth
	}
	p.Entity.Attributes = attrs
	if occurredAt != nil {
		p.Timestamp = *occurredAt
	}
	if enteredAt != nil {
		p.EnteredAt = *enteredAt
	}
	return p, nil
}

func (s *eventStorePG) FetchSecondary(ctx context.Context, b cohort.Bucket, f Filters) ([]cohort.SecondaryEvent, error) {
	conn, err := db.AcquireScoped(ctx, s.pool, s.schema)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	from, to := f.SecondaryRange(b)
	rows, err := conn.Query(ctx, secondarySQL, from, to, nonNil(f.Conditions))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (cohort.SecondaryEvent, error) {
		var (
			ev         cohort.SecondaryEvent
			entityID   *string
			condition  *string
			occurredAt *time.Time
		)
		if err := row.Scan(&ev.RecordID, &entityID, &condition, &occurredAt); err != nil {
			return ev, err
		}
		if entityID != nil {
			ev.EntityID = *entityID
		}
		if condition != nil {
			ev.ConditionType = *condition
		}
		if occurredAt != nil {
			ev.Timestamp = *occurredAt
		}
		return ev, nil
	})
}

const undatedSQL = `SELECT
	(SELECT count(*) FROM primary_event
		WHERE occurred_at IS NULL
			AND (cardinality($1::text[]) = 0 OR event_type = ANY($1))
			AND ($2::text = '' OR site = $2)),
	(SELECT count(*) FROM secondary_event
		WHERE occurred_at IS NULL
			AND (cardinality($3::text[]) = 0 OR condition_type = ANY($3)))`

func (s *eventStorePG) CountUndated(ctx context.Context, f Filters) (int, int, error) {
	conn, err := db.AcquireScoped(ctx, s.pool, s.schema)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Release()

	var primary, secondary int
	err = conn.QueryRow(ctx, undatedSQL, nonNil(f.EventTypes), f.Site, nonNil(f.Conditions)).Scan(&primary, &secondary)
	return primary, secondary, err
}

func (s *eventStorePG) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

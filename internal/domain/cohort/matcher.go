package cohort

import (
	"sort"
)

// MatchOptions configures MatchEvents.
type MatchOptions struct {
	Window Window
	// Exclusion, when set, removes an entity from its bucket's cohort if any
	// secondary event falls inside it (a pre-existing condition rather than
	// one acquired during the monitored stay).
	Exclusion     *Window
	MultipleLabel string
}

// Exclusion identifies an (entity, bucket) removed from the cohort.
type Exclusion struct {
	EntityID string `json:"entity_id"`
	Bucket   Bucket `json:"bucket"`
}

// MatchResult holds surviving matches and the exclusions applied.
type MatchResult struct {
	Matches  []Match
	Excluded []Exclusion
}

// IsExcluded reports whether r was removed by the exclusion window.
func (m MatchResult) IsExcluded(r CohortRecord) bool {
	for _, e := range m.Excluded {
		if e.EntityID == r.Entity.ID && e.Bucket == r.Bucket {
			return true
		}
	}
	return false
}

type candidate struct {
	primary   CohortRecord
	secondary SecondaryEvent
	offset    int
}

// MatchEvents pairs each entity's secondary events with its primary events.
//
// Only pairs with the secondary strictly after the primary are considered.
// Per (entity, bucket, condition type) the pair with the smallest day offset
// inside Window wins; ties go to the earliest primary timestamp, then the lowest
// primary record id, then the lowest secondary record id. When several
// distinct primary events on the winner's day tie on the offset, the match
// is labelled MultipleLabel.
func MatchEvents(primary []CohortRecord, secondary []SecondaryEvent, opts MatchOptions) MatchResult {
	if opts.MultipleLabel == "" {
		opts.MultipleLabel = DefaultMultipleLabel
	}

	byEntity := make(map[string][]SecondaryEvent)
	for _, s := range secondary {
		byEntity[s.EntityID] = append(byEntity[s.EntityID], s)
	}

	var (
		excluded    []Exclusion
		excludedSet = make(map[Exclusion]bool)
		candidates  []candidate
	)
	for _, p := range primary {
		for _, s := range byEntity[p.Entity.ID] {
			if !s.Timestamp.After(p.Timestamp) {
				continue
			}
			offset := daysBetween(p.Timestamp, s.Timestamp)
			if opts.Exclusion != nil && opts.Exclusion.Contains(offset) {
				ex := Exclusion{EntityID: p.Entity.ID, Bucket: p.Bucket}
				if !excludedSet[ex] {
					excludedSet[ex] = true
					excluded = append(excluded, ex)
				}
				continue
			}
			if !opts.Window.Contains(offset) {
				continue
			}
			candidates = append(candidates, candidate{primary: p, secondary: s, offset: offset})
		}
	}

	type matchKey struct {
		entity    string
		bucket    Bucket
		condition string
	}
	groups := make(map[matchKey][]candidate)
	var order []matchKey
	for _, c := range candidates {
		if excludedSet[Exclusion{EntityID: c.primary.Entity.ID, Bucket: c.primary.Bucket}] {
			continue
		}
		k := matchKey{c.primary.Entity.ID, c.primary.Bucket, c.secondary.ConditionType}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.entity != b.entity {
			return a.entity < b.entity
		}
		if a.bucket != b.bucket {
			return a.bucket.Before(b.bucket)
		}
		return a.condition < b.condition
	})

	matches := make([]Match, 0, len(order))
	for _, k := range order {
		group := groups[k]
		sort.SliceStable(group, func(i, j int) bool { return lessCandidate(group[i], group[j]) })
		best := group[0]

		label := best.primary.CategoryRefined
		primaries := map[int64]bool{best.primary.RecordID: true}
		for _, c := range group[1:] {
			if c.offset != best.offset || !c.primary.Day.Equal(best.primary.Day) {
				continue
			}
			primaries[c.primary.RecordID] = true
		}
		if len(primaries) > 1 {
			label = opts.MultipleLabel
		}

		matches = append(matches, Match{
			Primary:         best.primary,
			Secondary:       best.secondary,
			OffsetDays:      best.offset,
			CategoryRefined: label,
		})
	}

	sort.SliceStable(excluded, func(i, j int) bool {
		if excluded[i].EntityID != excluded[j].EntityID {
			return excluded[i].EntityID < excluded[j].EntityID
		}
		return excluded[i].Bucket.Before(excluded[j].Bucket)
	})
	return MatchResult{Matches: matches, Excluded: excluded}
}

func lessCandidate(a, b candidate) bool {
	if a.offset != b.offset {
		return a.offset < b.offset
	}
	if !a.primary.Timestamp.Equal(b.primary.Timestamp) {
		return a.primary.Timestamp.Before(b.primary.Timestamp)
	}
	if a.primary.RecordID != b.primary.RecordID {
		return a.primary.RecordID < b.primary.RecordID
	}
	return a.secondary.RecordID < b.secondary.RecordID
}

// DropExcluded returns records not removed by res.
func DropExcluded(records []CohortRecord, res MatchResult) []CohortRecord {
	if len(res.Excluded) == 0 {
		out := make([]CohortRecord, len(records))
		copy(out, records)
		return out
	}
	set := make(map[Exclusion]bool, len(res.Excluded))
	for _, e := range res.Excluded {
		set[e] = true
	}
	out := make([]CohortRecord, 0, len(records))
	for _, r := range records {
		if set[Exclusion{EntityID: r.Entity.ID, Bucket: r.Bucket}] {
			continue
		}
		out = append(out, r)
	}
	return out
}

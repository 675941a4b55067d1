package cohort

import (
	"sort"
)

// MergeOptions configures MergeOutcomes.
type MergeOptions struct {
	Positive string
	Negative string
	// Dimensions resolves the grouping values of a cohort record. The match
	// variant receives the record with CategoryRefined from the match.
	Dimensions func(CohortRecord) []string
	// Categories, when non-empty, keeps only records whose refined category
	// is listed.
	Categories []string
}

// MergeOutcomes labels the denominator cohort Negative and the matched
// numerator Positive, keeping the positive row when both exist for the same
// (entity, bucket, category). The result is ordered by entity, bucket and
// category.
func MergeOutcomes(denominator []CohortRecord, matches []Match, opts MergeOptions) []Observation {
	allowed := make(map[string]bool, len(opts.Categories))
	for _, c := range opts.Categories {
		allowed[c] = true
	}

	type key struct {
		entity   string
		bucket   Bucket
		category string
	}
	type entry struct {
		record  CohortRecord
		outcome string
	}
	merged := make(map[key]entry)

	for _, r := range denominator {
		k := key{r.Entity.ID, r.Bucket, r.Category}
		if _, ok := merged[k]; !ok {
			merged[k] = entry{record: r, outcome: opts.Negative}
		}
	}
	for _, m := range matches {
		r := m.Primary
		r.CategoryRefined = m.CategoryRefined
		merged[key{r.Entity.ID, r.Bucket, r.Category}] = entry{record: r, outcome: opts.Positive}
	}

	keys := make([]key, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.entity != b.entity {
			return a.entity < b.entity
		}
		if a.bucket != b.bucket {
			return a.bucket.Before(b.bucket)
		}
		return a.category < b.category
	})

	obs := make([]Observation, 0, len(keys))
	for _, k := range keys {
		e := merged[k]
		if len(allowed) > 0 && !allowed[e.record.CategoryRefined] {
			continue
		}
		var dims []string
		if opts.Dimensions != nil {
			dims = opts.Dimensions(e.record)
		}
		obs = append(obs, Observation{
			Dimensions: dims,
			Bucket:     e.record.Bucket,
			Outcome:    e.outcome,
			Weight:     1,
		})
	}
	return obs
}

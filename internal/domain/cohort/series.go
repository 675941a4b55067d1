package cohort

import (
	"sort"
	"strings"
)

// AssembleOptions configures Assemble.
type AssembleOptions struct {
	// Dimensions names the grouping dimensions, in Observation order.
	Dimensions []string
	Buckets    []Bucket
	// Outcomes fixes the outcome axis; empty means the observed outcomes,
	// sorted.
	Outcomes []string
	// Seed adds values to a dimension's axis even when unobserved.
	Seed map[string][]string
	// Base, when set, makes Rate relative to the count of that outcome in the
	// same group instead of the group total.
	Base      string
	Precision int
}

// Assemble builds the full cartesian product of observed dimension values,
// buckets and outcomes and fills every cell with its count and rate. Cells
// without data are zero. Observations outside Buckets are ignored.
func Assemble(obs []Observation, opts AssembleOptions) []SeriesRow {
	inRange := make(map[Bucket]bool, len(opts.Buckets))
	for _, b := range opts.Buckets {
		inRange[b] = true
	}

	axes := make([]map[string]bool, len(opts.Dimensions))
	for i, name := range opts.Dimensions {
		axes[i] = make(map[string]bool)
		for _, v := range opts.Seed[name] {
			axes[i][v] = true
		}
	}
	observedOutcomes := make(map[string]bool)

	counts := make(map[string]int)
	totals := make(map[string]int)
	for _, o := range obs {
		if !inRange[o.Bucket] || len(o.Dimensions) != len(opts.Dimensions) {
			continue
		}
		for i, v := range o.Dimensions {
			axes[i][v] = true
		}
		observedOutcomes[o.Outcome] = true
		group := groupKey(o.Dimensions, o.Bucket)
		counts[group+"\x01"+o.Outcome] += o.Weight
		totals[group] += o.Weight
	}

	outcomes := opts.Outcomes
	if len(outcomes) == 0 {
		outcomes = sortedKeys(observedOutcomes)
	}
	values := make([][]string, len(axes))
	for i, axis := range axes {
		values[i] = sortedKeys(axis)
	}

	var rows []SeriesRow
	for _, combo := range product(values) {
		for _, b := range opts.Buckets {
			group := groupKey(combo, b)
			total := totals[group]
			for _, outcome := range outcomes {
				count := counts[group+"\x01"+outcome]
				den := total
				if opts.Base != "" {
					den = counts[group+"\x01"+opts.Base]
				}
				rows = append(rows, SeriesRow{
					Dimensions: combo,
					Bucket:     b,
					Outcome:    outcome,
					Count:      count,
					Total:      total,
					Rate:       Rate(count, den, opts.Precision),
				})
			}
		}
	}
	return rows
}

// ExpectedRows is the row count Assemble must produce for the given axis
// sizes.
func ExpectedRows(axisSizes []int, buckets, outcomes int) int {
	n := buckets * outcomes
	for _, s := range axisSizes {
		n *= s
	}
	return n
}

func groupKey(dims []string, b Bucket) string {
	return strings.Join(dims, "\x00") + "\x02" + b.String()
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// product returns every combination of one value per axis, in axis order.
// Zero axes yield a single empty combination.
func product(axes [][]string) [][]string {
	combos := [][]string{{}}
	for _, axis := range axes {
		next := make([][]string, 0, len(combos)*len(axis))
		for _, c := range combos {
			for _, v := range axis {
				combo := make([]string, len(c), len(c)+1)
				copy(combo, c)
				next = append(next, append(combo, v))
			}
		}
		combos = next
	}
	return combos
}

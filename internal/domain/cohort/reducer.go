package cohort

import (
	"sort"
	"strconv"
	"strings"
)

// Key identifies a field of a cohort record used for ordering or grouping.
type Key int

const (
	KeyEntity Key = iota
	KeyTimestamp
	KeyRecordID
	KeyEventType
	KeyEnteredAt
	KeyCategory
	KeyGroup
	KeyDay
	KeySite
)

var (
	DefaultOrderKeys        = []Key{KeyEntity, KeyTimestamp, KeyRecordID, KeyEventType, KeyEnteredAt}
	DefaultDedupKeys        = []Key{KeyEntity, KeyRecordID}
	DefaultSameDayKeys      = []Key{KeyEntity, KeyCategory, KeyDay}
	DefaultMultiplicityKeys = []Key{KeyEntity, KeyDay, KeyGroup}
)

// ReduceOptions parameterizes Reduce. Nil key lists take the defaults above.
type ReduceOptions struct {
	Granularity      Granularity
	OrderKeys        []Key
	DedupKeys        []Key
	SameDayKeys      []Key
	MultiplicityKeys []Key
	MultipleLabel    string
	// MultipleRelabel, when set, replaces MultipleLabel on collapsed rows.
	MultipleRelabel string
}

func (o ReduceOptions) withDefaults() ReduceOptions {
	if o.Granularity == "" {
		o.Granularity = Monthly
	}
	if o.OrderKeys == nil {
		o.OrderKeys = DefaultOrderKeys
	}
	if o.DedupKeys == nil {
		o.DedupKeys = DefaultDedupKeys
	}
	if o.SameDayKeys == nil {
		o.SameDayKeys = DefaultSameDayKeys
	}
	if o.MultiplicityKeys == nil {
		o.MultiplicityKeys = DefaultMultiplicityKeys
	}
	if o.MultipleLabel == "" {
		o.MultipleLabel = DefaultMultipleLabel
	}
	return o
}

// Reduce turns raw primary events into one canonical CohortRecord per
// multiplicity group:
//  1. stable sort by OrderKeys;
//  2. drop duplicates on DedupKeys, keeping the first;
//  3. truncate to day and drop duplicates on SameDayKeys;
//  4. tag groups sharing MultiplicityKeys with more than one member as
//     MultipleLabel and collapse each to its first row.
//
// Untagged rows keep their original category as CategoryRefined.
func Reduce(events []PrimaryEvent, opts ReduceOptions) []CohortRecord {
	opts = opts.withDefaults()

	records := make([]CohortRecord, 0, len(events))
	for _, e := range events {
		records = append(records, CohortRecord{
			PrimaryEvent:    e,
			Day:             truncateDay(e.Timestamp),
			Bucket:          BucketOf(e.Timestamp, opts.Granularity),
			CategoryRefined: e.Category,
		})
	}

	SortRecords(records, opts.OrderKeys)
	records = dedupRecords(records, opts.DedupKeys)
	records = dedupRecords(records, opts.SameDayKeys)

	sizes := make(map[string]int, len(records))
	for _, r := range records {
		sizes[recordKey(r, opts.MultiplicityKeys)]++
	}

	out := make([]CohortRecord, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		k := recordKey(r, opts.MultiplicityKeys)
		if sizes[k] < 2 {
			out = append(out, r)
			continue
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		r.CategoryRefined = opts.MultipleLabel
		if opts.MultipleRelabel != "" {
			r.CategoryRefined = opts.MultipleRelabel
		}
		out = append(out, r)
	}
	return out
}

// SortRecords stable-sorts records in place by keys.
func SortRecords(records []CohortRecord, keys []Key) {
	sort.SliceStable(records, func(i, j int) bool {
		for _, k := range keys {
			if c := compareKey(records[i], records[j], k); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// DedupSecondary drops repeated secondary records on (entity, record id),
// keeping the first in (entity, timestamp, record id) order.
func DedupSecondary(events []SecondaryEvent) []SecondaryEvent {
	sorted := make([]SecondaryEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.RecordID < b.RecordID
	})

	out := make([]SecondaryEvent, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, s := range sorted {
		k := s.EntityID + "\x00" + strconv.FormatInt(s.RecordID, 10)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

func dedupRecords(records []CohortRecord, keys []Key) []CohortRecord {
	out := make([]CohortRecord, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		k := recordKey(r, keys)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

func recordKey(r CohortRecord, keys []Key) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(keyString(r, k))
	}
	return b.String()
}

func keyString(r CohortRecord, k Key) string {
	switch k {
	case KeyEntity:
		return r.Entity.ID
	case KeyTimestamp:
		return strconv.FormatInt(r.Timestamp.UnixNano(), 10)
	case KeyRecordID:
		return strconv.FormatInt(r.RecordID, 10)
	case KeyEventType:
		return r.EventType
	case KeyEnteredAt:
		return strconv.FormatInt(r.EnteredAt.UnixNano(), 10)
	case KeyCategory:
		return r.Category
	case KeyGroup:
		return r.GroupID
	case KeyDay:
		return r.Day.Format("2006-01-02")
	case KeySite:
		return r.Site
	}
	return ""
}

func compareKey(a, b CohortRecord, k Key) int {
	switch k {
	case KeyTimestamp:
		return a.Timestamp.Compare(b.Timestamp)
	case KeyEnteredAt:
		return a.EnteredAt.Compare(b.EnteredAt)
	case KeyDay:
		return a.Day.Compare(b.Day)
	case KeyRecordID:
		switch {
		case a.RecordID < b.RecordID:
			return -1
		case a.RecordID > b.RecordID:
			return 1
		}
		return 0
	}
	return strings.Compare(keyString(a, k), keyString(b, k))
}

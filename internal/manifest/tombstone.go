package manifest

import "sort"

// TombstoneSet is an immutable, sorted, merged list of identifier ranges
// that must not be returned to readers.
type TombstoneSet struct {
	ranges []Range
}

// NewTombstoneSet sorts and merges ranges. Empty ranges are dropped.
func NewTombstoneSet(ranges []Range) *TombstoneSet {
	rs := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Count > 0 {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })

	merged := rs[:0]
	for _, r := range rs {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End() {
			if r.End() > merged[n-1].End() {
				merged[n-1].Count = r.End() - merged[n-1].Start
			}
			continue
		}
		merged = append(merged, r)
	}
	return &TombstoneSet{ranges: merged}
}

// Contains reports whether id is tombstoned.
func (t *TombstoneSet) Contains(id uint64) bool {
	if t == nil {
		return false
	}
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].End() > id })
	return i < len(t.ranges) && t.ranges[i].Contains(id)
}

// Ranges returns the merged ranges.
func (t *TombstoneSet) Ranges() []Range {
	if t == nil {
		return nil
	}
	return append([]Range(nil), t.ranges...)
}

// Size returns the number of tombstoned identifiers.
func (t *TombstoneSet) Size() uint64 {
	if t == nil {
		return 0
	}
	var n uint64
	for _, r := range t.ranges {
		n += r.Count
	}
	return n
}

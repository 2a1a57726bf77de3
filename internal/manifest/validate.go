package manifest

import (
	"fmt"
	"sort"
	"strings"
)

// Violation describes one broken manifest invariant.
type Violation struct {
	Kind    string `json:"kind"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path != "" {
		return fmt.Sprintf("%s: %s: %s", v.Kind, v.Path, v.Message)
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Message)
}

// Violation kinds.
const (
	ViolationOverlap       = "range_overlap"
	ViolationCounter       = "counter_behind"
	ViolationTotal         = "total_mismatch"
	ViolationDuplicatePath = "duplicate_path"
	ViolationEmptyPath     = "empty_path"
)

type ownedRange struct {
	Range
	path string
}

// Validate checks range disjointness, counter consistency, the total chunk
// count and path sanity. It returns nil when the manifest is consistent.
func (m *Manifest) Validate() []Violation {
	var out []Violation

	var owned []ownedRange
	var sum, maxEnd uint64
	for p, e := range m.entries {
		if strings.TrimSpace(p) == "" {
			out = append(out, Violation{Kind: ViolationEmptyPath, Message: "entry with empty path"})
		}
		owned = append(owned, ownedRange{Range: e.Range(), path: p})
	}
	for _, r := range m.retired {
		owned = append(owned, ownedRange{Range: r.Range(), path: r.Path})
	}

	for _, o := range owned {
		sum += o.Count
		if o.Count > 0 && o.End() > maxEnd {
			maxEnd = o.End()
		}
	}

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].Start != owned[j].Start {
			return owned[i].Start < owned[j].Start
		}
		return owned[i].path < owned[j].path
	})
	var prev *ownedRange
	for i := range owned {
		cur := &owned[i]
		if cur.Count == 0 {
			continue
		}
		if prev != nil && cur.Start < prev.End() {
			out = append(out, Violation{
				Kind:    ViolationOverlap,
				Path:    cur.path,
				Message: fmt.Sprintf("range %s overlaps %s of %s", cur.Range, prev.Range, prev.path),
			})
		}
		if prev == nil || cur.End() > prev.End() {
			prev = cur
		}
	}

	if m.NextIdentifier < maxEnd {
		out = append(out, Violation{
			Kind:    ViolationCounter,
			Message: fmt.Sprintf("next_identifier %d is below highest issued end %d", m.NextIdentifier, maxEnd),
		})
	}
	if m.TotalChunkCount != sum {
		out = append(out, Violation{
			Kind:    ViolationTotal,
			Message: fmt.Sprintf("total_chunk_count %d does not equal sum of ranges %d", m.TotalChunkCount, sum),
		})
	}

	return out
}

// FormatViolations joins violations for error messages.
func FormatViolations(vs []Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

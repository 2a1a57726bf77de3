// Package manifest persists per-file ingestion state for the corpus index:
// content hashes, assigned chunk identifier ranges, domain tags and the
// global identifier counter.
//
// Identifier ranges are never reclaimed. A modified file gets a fresh range
// and its previous range is retired; a deleted file keeps its entry with the
// deleted flag set. Retired and deleted ranges form the tombstone set that
// readers use to hide stale chunks.
package manifest

import (
	"fmt"
	"sort"
	"time"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

// Version is the current persisted manifest format version.
const Version = 1

// Range is a half-open block of chunk identifiers [Start, Start+Count).
type Range struct {
	Start uint64 `json:"start"`
	Count uint64 `json:"count"`
}

// End returns the first identifier after the range.
func (r Range) End() uint64 {
	return r.Start + r.Count
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id uint64) bool {
	return id >= r.Start && id < r.End()
}

// IDs expands the range into its identifiers.
func (r Range) IDs() []uint64 {
	ids := make([]uint64, r.Count)
	for i := range ids {
		ids[i] = r.Start + uint64(i)
	}
	return ids
}

func (r Range) String() string {
	if r.Count == 0 {
		return fmt.Sprintf("[%d, empty)", r.Start)
	}
	return fmt.Sprintf("[%d-%d]", r.Start, r.End()-1)
}

// Entry is the manifest record for one source file.
type Entry struct {
	Path         string    `json:"path"`
	Hash         string    `json:"hash"`
	ChunkIDStart uint64    `json:"chunk_id_start"`
	ChunkIDCount uint64    `json:"chunk_id_count"`
	Domain       string    `json:"domain"`
	LastModified time.Time `json:"last_modified"`
	IngestedAt   time.Time `json:"ingested_at"`
	Deleted      bool      `json:"deleted"`
	DeletedAt    time.Time `json:"deleted_at,omitzero"`
}

// Range returns the entry's identifier range.
func (e *Entry) Range() Range {
	return Range{Start: e.ChunkIDStart, Count: e.ChunkIDCount}
}

// Retired records a range superseded by a newer ingestion of the same path.
type Retired struct {
	Path      string    `json:"path"`
	Start     uint64    `json:"start"`
	Count     uint64    `json:"count"`
	RetiredAt time.Time `json:"retired_at"`
}

// Range returns the retired identifier range.
func (r Retired) Range() Range {
	return Range{Start: r.Start, Count: r.Count}
}

// StoreDigest pins a persisted store file to the manifest that committed it.
type StoreDigest struct {
	Digest string `json:"digest"`
	Size   int    `json:"size"`
}

// Manifest maps source paths to entries plus the global identifier counter.
// A Manifest is not safe for concurrent mutation; the coordinator mutates a
// Clone and publishes it only after commit.
type Manifest struct {
	Version         int
	NextIdentifier  uint64
	TotalChunkCount uint64
	UpdatedAt       time.Time
	Vector          StoreDigest
	Lexical         StoreDigest

	entries map[string]*Entry
	retired []Retired

	// allocated tracks AllocateRange calls since the last Clone.
	allocated map[string]bool
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{
		Version:   Version,
		entries:   make(map[string]*Entry),
		allocated: make(map[string]bool),
	}
}

// Clone returns a deep copy with fresh per-cycle allocation tracking.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{
		Version:         m.Version,
		NextIdentifier:  m.NextIdentifier,
		TotalChunkCount: m.TotalChunkCount,
		UpdatedAt:       m.UpdatedAt,
		Vector:          m.Vector,
		Lexical:         m.Lexical,
		entries:         make(map[string]*Entry, len(m.entries)),
		retired:         append([]Retired(nil), m.retired...),
		allocated:       make(map[string]bool),
	}
	for p, e := range m.entries {
		cp := *e
		c.entries[p] = &cp
	}
	return c
}

// Entry returns a copy of the entry for path.
func (m *Manifest) Entry(path string) (Entry, bool) {
	e, ok := m.entries[path]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries (live and deleted) sorted by path.
func (m *Manifest) Entries() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// LiveEntries returns the non-deleted entries sorted by path.
func (m *Manifest) LiveEntries() []Entry {
	all := m.Entries()
	out := all[:0]
	for _, e := range all {
		if !e.Deleted {
			out = append(out, e)
		}
	}
	return out
}

// Retired returns the retired ranges in retirement order.
func (m *Manifest) Retired() []Retired {
	return append([]Retired(nil), m.retired...)
}

// Len returns the number of entries including deleted ones.
func (m *Manifest) Len() int {
	return len(m.entries)
}

// AllocateRange reserves count identifiers for path and advances the counter.
// It may be called at most once per path between clones.
func (m *Manifest) AllocateRange(path string, count int) (Range, error) {
	if count < 0 {
		return Range{}, amerrors.ValidationError(fmt.Sprintf("negative range count %d for %s", count, path), nil)
	}
	if m.allocated == nil {
		m.allocated = make(map[string]bool)
	}
	if m.allocated[path] {
		return Range{}, amerrors.InternalError(fmt.Sprintf("identifier range already allocated for %s in this cycle", path), nil)
	}
	m.allocated[path] = true

	r := Range{Start: m.NextIdentifier, Count: uint64(count)}
	m.NextIdentifier = r.End()
	return r, nil
}

// RecordFile upserts the entry for path. A previous range for the same path,
// live or deleted, is moved to the retired list so it stays reserved.
func (m *Manifest) RecordFile(path, hash string, r Range, domain string, lastModified, ingestedAt time.Time) {
	if prev, ok := m.entries[path]; ok {
		switch {
		case prev.Range() == r:
			// same range re-recorded; do not double count
			m.TotalChunkCount -= prev.ChunkIDCount
		case prev.ChunkIDCount > 0:
			m.retired = append(m.retired, Retired{
				Path:      path,
				Start:     prev.ChunkIDStart,
				Count:     prev.ChunkIDCount,
				RetiredAt: ingestedAt,
			})
		}
	}

	m.entries[path] = &Entry{
		Path:         path,
		Hash:         hash,
		ChunkIDStart: r.Start,
		ChunkIDCount: r.Count,
		Domain:       domain,
		LastModified: lastModified,
		IngestedAt:   ingestedAt,
	}
	m.TotalChunkCount += r.Count
	m.UpdatedAt = ingestedAt
}

// MarkDeleted tombstones the entry for path. Its range stays reserved.
// Marking an already-deleted entry is a no-op.
func (m *Manifest) MarkDeleted(path string, at time.Time) error {
	e, ok := m.entries[path]
	if !ok {
		return amerrors.ValidationError(fmt.Sprintf("no manifest entry for %s", path), nil)
	}
	if e.Deleted {
		return nil
	}
	e.Deleted = true
	e.DeletedAt = at
	m.UpdatedAt = at
	return nil
}

// Rebase discards all entries and retired ranges while keeping the
// identifier counter, so a full rebuild never reissues an identifier.
func (m *Manifest) Rebase() {
	m.entries = make(map[string]*Entry)
	m.retired = nil
	m.TotalChunkCount = 0
	m.allocated = make(map[string]bool)
}

// Tombstones returns the set of retired and deleted ranges.
func (m *Manifest) Tombstones() *TombstoneSet {
	ranges := make([]Range, 0, len(m.retired))
	for _, r := range m.retired {
		ranges = append(ranges, r.Range())
	}
	for _, e := range m.entries {
		if e.Deleted {
			ranges = append(ranges, e.Range())
		}
	}
	return NewTombstoneSet(ranges)
}

// Locate finds the live entry owning id.
func (m *Manifest) Locate(id uint64) (Entry, bool) {
	for _, e := range m.entries {
		if !e.Deleted && e.Range().Contains(id) {
			return *e, true
		}
	}
	return Entry{}, false
}

// Stats summarizes the manifest.
type Stats struct {
	Files           int       `json:"files"`
	DeletedFiles    int       `json:"deleted_files"`
	LiveChunks      uint64    `json:"live_chunks"`
	TombstonedIDs   uint64    `json:"tombstoned_ids"`
	TotalChunkCount uint64    `json:"total_chunk_count"`
	NextIdentifier  uint64    `json:"next_identifier"`
	Domains         []string  `json:"domains"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Stats returns summary counters.
func (m *Manifest) Stats() Stats {
	s := Stats{
		TotalChunkCount: m.TotalChunkCount,
		NextIdentifier:  m.NextIdentifier,
		UpdatedAt:       m.UpdatedAt,
	}
	domains := make(map[string]struct{})
	for _, e := range m.entries {
		if e.Deleted {
			s.DeletedFiles++
			s.TombstonedIDs += e.ChunkIDCount
			continue
		}
		s.Files++
		s.LiveChunks += e.ChunkIDCount
		domains[e.Domain] = struct{}{}
	}
	for _, r := range m.retired {
		s.TombstonedIDs += r.Count
	}
	for d := range domains {
		s.Domains = append(s.Domains, d)
	}
	sort.Strings(s.Domains)
	return s
}

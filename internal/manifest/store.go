package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/fsutil"
)

// envelope is the on-disk form: the manifest body plus its SHA-256.
// The digest covers the compact JSON encoding of Body.
type envelope struct {
	Version int             `json:"version"`
	Digest  string          `json:"digest"`
	Body    json.RawMessage `json:"manifest"`
}

type persistedStores struct {
	Vector  StoreDigest `json:"vector"`
	Lexical StoreDigest `json:"lexical"`
}

type persisted struct {
	Version         int             `json:"version"`
	NextIdentifier  uint64          `json:"next_identifier"`
	TotalChunkCount uint64          `json:"total_chunk_count"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Stores          persistedStores `json:"stores"`
	Entries         []Entry         `json:"entries"`
	Retired         []Retired       `json:"retired"`
}

// Store reads and writes a manifest file.
type Store struct {
	path string
}

// NewStore returns a store for the manifest at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the manifest file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted manifest. A missing file yields an empty
// manifest. Any parse, digest or invariant failure is ManifestCorrupt.
func (s *Store) Load() (*Manifest, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, amerrors.New(amerrors.ErrCodeFilePermission, "failed to read manifest", err)
	}
	return Decode(data)
}

// Decode parses and verifies manifest bytes.
func Decode(data []byte) (*Manifest, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, amerrors.ManifestCorrupt("manifest is not valid JSON", err)
	}
	if env.Version != Version {
		return nil, amerrors.ManifestCorrupt(fmt.Sprintf("unsupported manifest version %d", env.Version), nil)
	}
	if len(env.Body) == 0 {
		return nil, amerrors.ManifestCorrupt("manifest body is missing", nil)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Body); err != nil {
		return nil, amerrors.ManifestCorrupt("manifest body is not valid JSON", err)
	}
	if got := fsutil.BytesDigest(compact.Bytes()); got != env.Digest {
		return nil, amerrors.ManifestCorrupt("manifest digest mismatch", nil).
			WithDetail("expected", env.Digest).
			WithDetail("actual", got)
	}

	var p persisted
	dec := json.NewDecoder(bytes.NewReader(compact.Bytes()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, amerrors.ManifestCorrupt("manifest body does not match schema", err)
	}

	m := New()
	m.Version = p.Version
	m.NextIdentifier = p.NextIdentifier
	m.TotalChunkCount = p.TotalChunkCount
	m.UpdatedAt = p.UpdatedAt
	m.Vector = p.Stores.Vector
	m.Lexical = p.Stores.Lexical
	m.retired = p.Retired

	var dups []Violation
	for i := range p.Entries {
		e := p.Entries[i]
		if _, ok := m.entries[e.Path]; ok {
			dups = append(dups, Violation{Kind: ViolationDuplicatePath, Path: e.Path, Message: "path appears more than once"})
			continue
		}
		m.entries[e.Path] = &e
	}

	if vs := append(dups, m.Validate()...); len(vs) > 0 {
		err := amerrors.ManifestCorrupt("manifest failed integrity validation: "+FormatViolations(vs), nil)
		return nil, err.WithDetail("violations", fmt.Sprint(len(vs)))
	}
	return m, nil
}

// Encode renders the manifest in its persisted form.
func Encode(m *Manifest) ([]byte, error) {
	p := persisted{
		Version:         Version,
		NextIdentifier:  m.NextIdentifier,
		TotalChunkCount: m.TotalChunkCount,
		UpdatedAt:       m.UpdatedAt,
		Stores:          persistedStores{Vector: m.Vector, Lexical: m.Lexical},
		Entries:         m.Entries(),
		Retired:         m.Retired(),
	}
	if p.Retired == nil {
		p.Retired = []Retired{}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	return json.MarshalIndent(envelope{
		Version: Version,
		Digest:  fsutil.BytesDigest(body),
		Body:    body,
	}, "", "  ")
}

// Save validates and atomically persists the manifest.
func (s *Store) Save(m *Manifest) error {
	if vs := m.Validate(); len(vs) > 0 {
		return amerrors.InternalError("refusing to save inconsistent manifest: "+FormatViolations(vs), nil)
	}

	data, err := Encode(m)
	if err != nil {
		return err
	}

	return fsutil.WriteFileAtomic(s.path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

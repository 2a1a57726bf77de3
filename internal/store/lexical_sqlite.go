package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/fsutil"
)

// LexicalSchemaVersion is stamped into the lexical store meta table. A
// store with any other value is rejected as corrupt.
const LexicalSchemaVersion = 1

const lexicalSchema = `
CREATE TABLE lexical_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE lexical_docs (
	id     INTEGER PRIMARY KEY,
	domain TEXT NOT NULL,
	tokens TEXT NOT NULL,
	text   TEXT NOT NULL DEFAULT ''
);
`

// Save serializes the current generation into a fresh SQLite database at
// path. The database is built at path.tmp and renamed into place; the
// SHA-256 of the final file is returned.
func (s *LexicalStore) Save(path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", amerrors.New(amerrors.ErrCodeFilePermission, "failed to create lexical store directory", err)
	}

	tmp := path + fsutil.TempSuffix
	_ = os.Remove(tmp)
	_ = os.Remove(tmp + "-journal")

	view := s.View()
	if err := writeLexicalDB(tmp, view); err != nil {
		_ = os.Remove(tmp)
		return "", amerrors.New(amerrors.ErrCodeFilePermission, "failed to write lexical store", err)
	}

	digest, err := syncAndDigest(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return "", amerrors.New(amerrors.ErrCodeFilePermission, "failed to sync lexical store", err)
	}
	if err := fsutil.Commit(tmp, path); err != nil {
		return "", amerrors.New(amerrors.ErrCodeFilePermission, "failed to commit lexical store", err)
	}
	return digest, nil
}

func writeLexicalDB(path string, view *LexicalView) (err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if cerr := db.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close database: %w", cerr)
		}
	}()
	db.SetMaxOpenConns(1)

	// rollback journal, so the committed file is self-contained
	for _, pragma := range []string{"PRAGMA journal_mode = DELETE", "PRAGMA synchronous = FULL"} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(lexicalSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	meta := map[string]string{
		"schema_version": strconv.Itoa(LexicalSchemaVersion),
		"documents":      strconv.Itoa(view.Len()),
	}
	for k, v := range meta {
		if _, err = tx.Exec(`INSERT INTO lexical_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("insert meta: %w", err)
		}
	}

	stmt, err := tx.Prepare(`INSERT INTO lexical_docs (id, domain, tokens, text) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range view.ids {
		d := view.docs[id]
		tokens, jerr := json.Marshal(d.Tokens)
		if jerr != nil {
			err = fmt.Errorf("encode tokens for %d: %w", id, jerr)
			return err
		}
		// ids above MaxInt64 cannot be represented by SQLite INTEGER
		if _, err = stmt.Exec(int64(id), d.Domain, string(tokens), d.Text); err != nil {
			return fmt.Errorf("insert document %d: %w", id, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func syncAndDigest(path string) (string, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	if err := f.Sync(); err != nil {
		return "", err
	}
	return fsutil.ReaderDigest(f)
}

// Load replaces the store contents with the database at path after
// verifying wantDigest. An empty wantDigest with a missing file yields an
// empty store. Only documents are persisted: the loaded generation is
// scored with the store's configured parameters.
func (s *LexicalStore) Load(path, wantDigest string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if wantDigest != "" {
			return amerrors.New(amerrors.ErrCodeCorruptIndex, "lexical store file is missing", err)
		}
		return s.replace(map[uint64]*LexicalDoc{})
	}

	got, err := fsutil.FileDigest(path)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeFilePermission, "failed to read lexical store", err)
	}
	if wantDigest != "" && got != wantDigest {
		return amerrors.New(amerrors.ErrCodeCorruptIndex, "lexical store digest mismatch", nil).
			WithDetail("expected", wantDigest).
			WithDetail("actual", got)
	}

	docs, err := readLexicalDB(path)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeCorruptIndex, "failed to decode lexical store", err)
	}
	return s.replace(docs)
}

func readLexicalDB(path string) (map[uint64]*LexicalDoc, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.Query(`SELECT key, value FROM lexical_meta`)
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		meta[k] = v
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if meta["schema_version"] != strconv.Itoa(LexicalSchemaVersion) {
		return nil, fmt.Errorf("unsupported lexical schema version %q", meta["schema_version"])
	}

	rows, err = db.Query(`SELECT id, domain, tokens, text FROM lexical_docs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	docs := make(map[uint64]*LexicalDoc)
	for rows.Next() {
		var (
			id     int64
			d      LexicalDoc
			tokens string
		)
		if err := rows.Scan(&id, &d.Domain, &tokens, &d.Text); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(tokens), &d.Tokens); err != nil {
			return nil, fmt.Errorf("decode tokens for %d: %w", id, err)
		}
		d.ID = uint64(id)
		docs[d.ID] = &d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if want, err := strconv.Atoi(meta["documents"]); err != nil || want != len(docs) {
		return nil, fmt.Errorf("document count %d does not match recorded %q", len(docs), meta["documents"])
	}
	return docs, nil
}

// Backup writes a full copy of the current generation to dst.
func (s *LexicalStore) Backup(dst string) (string, error) {
	return s.Save(dst)
}

// Restore replaces the in-memory state with the copy at src.
func (s *LexicalStore) Restore(src, digest string) error {
	return s.Load(src, digest)
}

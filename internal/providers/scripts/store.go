package scripts

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"

	_ "modernc.org/sqlite"

	"github.com/agentkernel/agentkernel/internal/id"
)

// ErrNotFound reports a script name with no stored script.
var ErrNotFound = errors.New("script not found")

// ErrNotText rejects script bodies that are not plain text.
var ErrNotText = errors.New("script body is not text")

// ErrBadName rejects script names that would escape the scripts directory.
var ErrBadName = errors.New("script name must not contain path separators")

// Script is stored metadata for one saved script. The body lives on disk
// next to the database; the hash ties the two together.
type Script struct {
	ID          id.ScriptID `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Tags        []string    `json:"tags"`
	Hash        string      `json:"hash"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Store keeps script bodies as files and metadata in sqlite.
type Store struct {
	db  *sql.DB
	dir string
}

// NewStore opens (or creates) the script store rooted at dir.
func NewStore(dbPath, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("scripts: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("scripts: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("scripts: ping database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("scripts: %s: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS scripts (
	id          TEXT PRIMARY KEY,
	name        TEXT UNIQUE NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	tags        TEXT NOT NULL DEFAULT '',
	hash        TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scripts_name ON scripts(name);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("scripts: migrate: %w", err)
	}

	return &Store{db: db, dir: dir}, nil
}

// Close closes the metadata database.
func (s *Store) Close() error { return s.db.Close() }

// Dir returns the directory holding script bodies.
func (s *Store) Dir() string { return s.dir }

// Save writes the script body to disk and upserts its metadata. Saving an
// existing name replaces the body and bumps updated_at.
func (s *Store) Save(ctx context.Context, name, description string, tags []string, code string) (*Script, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if !isText(code) {
		return nil, ErrNotText
	}

	if err := os.WriteFile(s.path(name), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("scripts: write body: %w", err)
	}

	sum := sha256.Sum256([]byte(code))
	now := time.Now().UTC()

	// The conflict branch keeps the original id and created_at, so the
	// returned record comes from a read-back of what actually landed.
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scripts (id, name, description, tags, hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	description = excluded.description,
	tags        = excluded.tags,
	hash        = excluded.hash,
	updated_at  = excluded.updated_at`,
		id.NewScriptID(), name, description, strings.Join(tags, ","), hex.EncodeToString(sum[:]), now, now)
	if err != nil {
		return nil, fmt.Errorf("scripts: save metadata: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
SELECT id, name, description, tags, hash, created_at, updated_at
FROM scripts WHERE name = ?`, name)
	rec, err := scanScript(row)
	if err != nil {
		return nil, fmt.Errorf("scripts: read back after save: %w", err)
	}
	return rec, nil
}

// Get returns the metadata and body for a script name.
func (s *Store) Get(ctx context.Context, name string) (*Script, string, error) {
	if err := checkName(name); err != nil {
		return nil, "", err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, description, tags, hash, created_at, updated_at
FROM scripts WHERE name = ?`, name)

	rec, err := scanScript(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, "", fmt.Errorf("scripts: get: %w", err)
	}

	body, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, "", fmt.Errorf("scripts: read body: %w", err)
	}
	return rec, string(body), nil
}

// List returns all scripts ordered by most recently updated.
func (s *Store) List(ctx context.Context) ([]Script, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, description, tags, hash, created_at, updated_at
FROM scripts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("scripts: list: %w", err)
	}
	defer rows.Close()
	return collectScripts(rows)
}

// Search matches query against name, description and tags, and pattern
// (doublestar glob, may be empty) against the name.
func (s *Store) Search(ctx context.Context, query, pattern string) ([]Script, error) {
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, description, tags, hash, created_at, updated_at
FROM scripts
WHERE name LIKE ? OR description LIKE ? OR tags LIKE ?
ORDER BY updated_at DESC`, like, like, like)
	if err != nil {
		return nil, fmt.Errorf("scripts: search: %w", err)
	}
	defer rows.Close()

	found, err := collectScripts(rows)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return found, nil
	}

	out := found[:0]
	for _, rec := range found {
		ok, err := doublestar.Match(pattern, rec.Name)
		if err != nil {
			return nil, fmt.Errorf("scripts: bad pattern %q: %w", pattern, err)
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Delete removes a script's metadata and body.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("scripts: delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scripts: remove body: %w", err)
	}
	return nil
}

// Export writes every stored script body into a tar.gz stream.
func (s *Store) Export(ctx context.Context, w io.Writer) (int, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	count := 0
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".js") {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		body, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    filepath.Base(p),
			Mode:    0o644,
			Size:    int64(len(body)),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(body); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scripts: export: %w", err)
	}
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("scripts: export: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("scripts: export: %w", err)
	}
	return count, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".js")
}

// checkName rejects names that would resolve a body path outside the
// scripts directory.
func checkName(name string) error {
	if name == "" {
		return errors.New("script name is required")
	}
	if strings.ContainsAny(name, `/\`) || name != filepath.Base(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return nil
}

// isText walks the detected mime type's parents so text/x-* subtypes pass.
func isText(code string) bool {
	for mt := mimetype.Detect([]byte(code)); mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScript(row rowScanner) (*Script, error) {
	var rec Script
	var tags string
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Description, &tags, &rec.Hash, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if tags != "" {
		rec.Tags = strings.Split(tags, ",")
	}
	return &rec, nil
}

func collectScripts(rows *sql.Rows) ([]Script, error) {
	var out []Script
	for rows.Next() {
		rec, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("scripts: scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scripts: rows: %w", err)
	}
	return out, nil
}

// Package memory keeps long-lived notes for the agent: small facts and
// observations that need to survive kernel restarts. Notes live in sqlite,
// not in the kernel namespace, so a reset or crash never loses them.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentkernel/agentkernel/internal/id"
	"github.com/agentkernel/agentkernel/internal/types"
)

// ErrNotFound reports a missing note ID.
var ErrNotFound = errors.New("note not found")

// Note is one stored observation.
type Note struct {
	ID        id.NoteID `json:"id"`
	Topic     string    `json:"topic"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists notes in sqlite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the note store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: journal mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS notes (
	id         TEXT PRIMARY KEY,
	topic      TEXT NOT NULL,
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_topic ON notes(topic);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Add stores a note and returns it with its generated ID.
func (s *Store) Add(ctx context.Context, topic, content string, tags []string) (*Note, error) {
	if topic == "" || content == "" {
		return nil, errors.New("topic and content are required")
	}
	note := &Note{
		ID:        id.NewNoteID(),
		Topic:     topic,
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notes (id, topic, content, tags, created_at) VALUES (?, ?, ?, ?, ?)`,
		note.ID, note.Topic, note.Content, strings.Join(tags, ","), note.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("memory: add: %w", err)
	}
	return note, nil
}

// Get returns one note by ID.
func (s *Store) Get(ctx context.Context, noteID id.NoteID) (*Note, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, topic, content, tags, created_at FROM notes WHERE id = ?`, noteID)
	note, err := scanNote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, noteID)
		}
		return nil, fmt.Errorf("memory: get: %w", err)
	}
	return note, nil
}

// Search matches query against topic, content and tags, newest first.
// An empty query returns everything.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
SELECT id, topic, content, tags, created_at
FROM notes
WHERE topic LIKE ? OR content LIKE ? OR tags LIKE ?
ORDER BY created_at DESC
LIMIT ?`, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		out = append(out, *note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: rows: %w", err)
	}
	return out, nil
}

// Delete removes a note by ID.
func (s *Store) Delete(ctx context.Context, noteID id.NoteID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, noteID)
	if err != nil {
		return fmt.Errorf("memory: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, noteID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (*Note, error) {
	var note Note
	var tags string
	if err := row.Scan(&note.ID, &note.Topic, &note.Content, &tags, &note.CreatedAt); err != nil {
		return nil, err
	}
	if tags != "" {
		note.Tags = strings.Split(tags, ",")
	}
	return &note, nil
}

// Provider implements the memory service.
type Provider struct {
	store *Store
}

// NewProvider creates a memory provider backed by store.
func NewProvider(store *Store) *Provider {
	return &Provider{store: store}
}

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	return types.Service{
		ID:           "memory",
		Name:         "Memory Service",
		Description:  "Durable notes that outlive kernel restarts",
		Category:     types.CategoryMemory,
		Capabilities: []string{"add", "get", "search", "delete"},
		Tools: []types.Tool{
			{
				ID:          "memory.add",
				Name:        "Add Note",
				Description: "Store a note under a topic",
				Parameters: []types.Parameter{
					{Name: "topic", Type: "string", Description: "Note topic", Required: true},
					{Name: "content", Type: "string", Description: "Note body", Required: true},
					{Name: "tags", Type: "array", Description: "Search tags", Required: false},
				},
				Returns: "object",
			},
			{
				ID:          "memory.get",
				Name:        "Get Note",
				Description: "Fetch one note by ID",
				Parameters: []types.Parameter{
					{Name: "id", Type: "string", Description: "Note ID", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "memory.search",
				Name:        "Search Notes",
				Description: "Match notes by topic, content or tags",
				Parameters: []types.Parameter{
					{Name: "query", Type: "string", Description: "Substring to match", Required: false},
					{Name: "limit", Type: "number", Description: "Max results", Required: false},
				},
				Returns: "array",
			},
			{
				ID:          "memory.delete",
				Name:        "Delete Note",
				Description: "Remove one note by ID",
				Parameters: []types.Parameter{
					{Name: "id", Type: "string", Description: "Note ID", Required: true},
				},
				Returns: "boolean",
			},
		},
	}
}

// Execute routes to the tool implementations.
func (p *Provider) Execute(ctx context.Context, toolID string, params map[string]any) (*types.Result, error) {
	switch toolID {
	case "memory.add":
		topic, _ := params["topic"].(string)
		content, _ := params["content"].(string)
		note, err := p.store.Add(ctx, topic, content, stringList(params["tags"]))
		if err != nil {
			return types.Failure(err.Error()), nil
		}
		return types.Ok(map[string]any{"note": note}), nil

	case "memory.get":
		noteID, _ := params["id"].(string)
		note, err := p.store.Get(ctx, id.NoteID(noteID))
		if err != nil {
			return types.Failure(err.Error()), nil
		}
		return types.Ok(map[string]any{"note": note}), nil

	case "memory.search":
		query, _ := params["query"].(string)
		limit := 0
		if n, ok := params["limit"].(float64); ok {
			limit = int(n)
		}
		notes, err := p.store.Search(ctx, query, limit)
		if err != nil {
			return types.Failure(err.Error()), nil
		}
		return types.Ok(map[string]any{"notes": notes, "count": len(notes)}), nil

	case "memory.delete":
		noteID, _ := params["id"].(string)
		if err := p.store.Delete(ctx, id.NoteID(noteID)); err != nil {
			return types.Failure(err.Error()), nil
		}
		return types.Ok(map[string]any{"deleted": noteID}), nil

	default:
		return types.Failure("unknown tool: " + toolID), fmt.Errorf("unknown tool: %s", toolID)
	}
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

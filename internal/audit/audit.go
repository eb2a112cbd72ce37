// Package audit records uploads and classification runs in SQLite.
package audit

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// DefaultLimit is used by the history queries when limit <= 0.
const DefaultLimit = 10

// Upload is one ingested file.
type Upload struct {
	ID         string            `json:"id"`
	Filename   string            `json:"filename"`
	Records    int               `json:"records"`
	User       string            `json:"user"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	UploadedAt time.Time         `json:"uploaded_at"`
}

// Run is one profile's pass over an upload.
type Run struct {
	ID             string        `json:"id"`
	UploadID       string        `json:"upload_id,omitempty"`
	Profile        string        `json:"profile"`
	Total          int           `json:"total"`
	Auto           int           `json:"auto"`
	Manual         int           `json:"manual"`
	Applied        int           `json:"applied"`
	MeanConfidence float64       `json:"mean_confidence"`
	Duration       time.Duration `json:"duration"`
	StartedAt      time.Time     `json:"started_at"`
	Error          string        `json:"error,omitempty"`
}

// Store is the audit database.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Open opens (or creates) the database at path with WAL journaling and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: enable WAL: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, entropy: ulid.Monotonic(rand.Reader, 0)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS upload_audit (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	num_records INTEGER NOT NULL,
	user TEXT NOT NULL,
	metadata TEXT,
	uploaded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS classification_runs (
	id TEXT PRIMARY KEY,
	upload_id TEXT,
	profile TEXT NOT NULL,
	total INTEGER NOT NULL,
	auto INTEGER NOT NULL,
	manual INTEGER NOT NULL,
	applied INTEGER NOT NULL,
	mean_confidence REAL NOT NULL,
	duration_ms INTEGER NOT NULL,
	started_at TEXT NOT NULL,
	error TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_upload ON classification_runs(upload_id);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

func (s *Store) newID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// LogUpload stores u and returns its id. Empty User becomes "system"; zero
// UploadedAt becomes now.
func (s *Store) LogUpload(ctx context.Context, u Upload) (string, error) {
	if u.User == "" {
		u.User = "system"
	}
	if u.UploadedAt.IsZero() {
		u.UploadedAt = time.Now()
	}
	var meta []byte
	if len(u.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(u.Metadata); err != nil {
			return "", fmt.Errorf("audit: encode metadata: %w", err)
		}
	}
	id := s.newID(u.UploadedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_audit (id, filename, num_records, user, metadata, uploaded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, u.Filename, u.Records, u.User, string(meta), u.UploadedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("audit: log upload: %w", err)
	}
	return id, nil
}

// LogRun stores r and returns its id. Zero StartedAt becomes now.
func (s *Store) LogRun(ctx context.Context, r Run) (string, error) {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	id := s.newID(r.StartedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO classification_runs
		(id, upload_id, profile, total, auto, manual, applied, mean_confidence, duration_ms, started_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.UploadID, r.Profile, r.Total, r.Auto, r.Manual, r.Applied, r.MeanConfidence,
		r.Duration.Milliseconds(), r.StartedAt.UTC().Format(time.RFC3339Nano), r.Error)
	if err != nil {
		return "", fmt.Errorf("audit: log run: %w", err)
	}
	return id, nil
}

// Uploads returns the most recent uploads, newest first.
func (s *Store) Uploads(ctx context.Context, limit int) ([]Upload, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, num_records, user, metadata, uploaded_at
		FROM upload_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query uploads: %w", err)
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		var (
			u        Upload
			meta, at string
		)
		if err := rows.Scan(&u.ID, &u.Filename, &u.Records, &u.User, &meta, &at); err != nil {
			return nil, fmt.Errorf("audit: scan upload: %w", err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &u.Metadata); err != nil {
				return nil, fmt.Errorf("audit: upload %s metadata: %w", u.ID, err)
			}
		}
		if u.UploadedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("audit: upload %s time: %w", u.ID, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Runs returns the most recent classification runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, upload_id, profile, total, auto, manual, applied, mean_confidence, duration_ms, started_at, error
		FROM classification_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r         Run
			upload    sql.NullString
			errText   sql.NullString
			durMillis int64
			at        string
		)
		if err := rows.Scan(&r.ID, &upload, &r.Profile, &r.Total, &r.Auto, &r.Manual, &r.Applied,
			&r.MeanConfidence, &durMillis, &at, &errText); err != nil {
			return nil, fmt.Errorf("audit: scan run: %w", err)
		}
		r.UploadID = upload.String
		r.Error = errText.String
		r.Duration = time.Duration(durMillis) * time.Millisecond
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("audit: run %s time: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

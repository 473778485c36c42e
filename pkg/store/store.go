// Package store persists completed summaries so paid summarization work
// survives daemon restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS summaries (
	video_url  TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	summary    TEXT NOT NULL,
	model      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_created_at ON summaries(created_at);
`

// Summary is one persisted summarization result.
type Summary struct {
	VideoURL  string
	Title     string
	Summary   string
	Model     string
	CreatedAt time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the summary database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db %s: %w", path, err)
	}
	// One writer: SQLite serializes writes anyway, and a single connection
	// avoids SQLITE_BUSY under the worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save upserts the summary for its video URL.
func (s *Store) Save(ctx context.Context, sum Summary) error {
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (video_url, title, summary, model, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(video_url) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			model = excluded.model,
			created_at = excluded.created_at`,
		sum.VideoURL, sum.Title, sum.Summary, sum.Model, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save summary for %s: %w", sum.VideoURL, err)
	}
	return nil
}

// GetByURL returns the stored summary for a video URL, or core.ErrNotFound.
func (s *Store) GetByURL(ctx context.Context, videoURL string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT video_url, title, summary, model, created_at
		FROM summaries WHERE video_url = ?`, videoURL)

	var sum Summary
	err := row.Scan(&sum.VideoURL, &sum.Title, &sum.Summary, &sum.Model, &sum.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load summary for %s: %w", videoURL, err)
	}
	return &sum, nil
}

// Prune deletes summaries older than maxAge and returns how many went.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM summaries WHERE created_at < ?`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to prune summaries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored summaries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM summaries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count summaries: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
)

// UpsertContent stores extracted text under its content hash. Existing rows
// are left untouched so the first writer wins and re-ingestion is free.
func (s *Store) UpsertContent(ctx context.Context, entry ContentEntry) error {
	_, err := s.conn.Exec(ctx, upsertContentSQL,
		entry.Hash,
		entry.Content,
		entry.ContentSize,
		entry.ContentType,
		entry.Name,
		entry.Link,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert content %s: %w", entry.Hash, err)
	}
	return nil
}

// GetContent loads the stored text for a content hash.
func (s *Store) GetContent(ctx context.Context, hash string) (*ContentEntry, error) {
	var entry ContentEntry
	err := s.conn.QueryRow(ctx, getContentSQL, hash).Scan(
		&entry.Hash,
		&entry.Content,
		&entry.ContentSize,
		&entry.ContentType,
		&entry.Name,
		&entry.Link,
		&entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get content %s: %w", hash, err)
	}
	return &entry, nil
}

// ContentExists reports whether text for the given hash is already stored.
func (s *Store) ContentExists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	if err := s.conn.QueryRow(ctx, contentExistsSQL, hash).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check content %s: %w", hash, err)
	}
	return exists, nil
}

const upsertContentSQL = `
INSERT INTO content_store (content_hash, content, content_size, content_type, name, link)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (content_hash) DO NOTHING;
`

const getContentSQL = `
SELECT content_hash, content, content_size, content_type, name, link, created_at
FROM content_store
WHERE content_hash = $1;
`

const contentExistsSQL = `
SELECT EXISTS (SELECT 1 FROM content_store WHERE content_hash = $1);
`

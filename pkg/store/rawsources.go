package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"
)

// InsertRawSource stores an uploaded item. Without an explicit status the row
// starts in uploaded, where the daemon picks it up. The API server inserts
// rows as processing because it queues the pipeline run itself.
func (s *Store) InsertRawSource(ctx context.Context, rs RawSource) error {
	status := rs.Status
	if status == "" {
		status = RawStatusUploaded
	}
	_, err := s.conn.Exec(ctx, insertRawSourceSQL,
		rs.ID,
		rs.TopicName,
		rs.TargetKind,
		rs.OriginalFilename,
		rs.ByteKey,
		rs.FileHash,
		rs.Metadata,
		status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert raw source: %w", err)
	}
	return nil
}

// GetRawSource loads a raw source row by id.
func (s *Store) GetRawSource(ctx context.Context, id string) (*RawSource, error) {
	return s.scanRawSource(s.conn.QueryRow(ctx, getRawSourceSQL, id))
}

// GetRawSources loads a set of raw source rows by id.
func (s *Store) GetRawSources(ctx context.Context, ids []string) ([]RawSource, error) {
	rows, err := s.conn.Query(ctx, getRawSourcesSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get raw sources: %w", err)
	}
	defer rows.Close()
	return s.collectRawSources(rows)
}

// ClaimUploadedSources atomically claims up to limit uploaded rows of the
// given target kind and moves them to processing. SKIP LOCKED keeps
// concurrent daemons from claiming the same row; the guarded status check is
// the compare-and-set.
func (s *Store) ClaimUploadedSources(ctx context.Context, targetKind string, limit int) ([]RawSource, error) {
	rows, err := s.conn.Query(ctx, claimUploadedSourcesSQL, targetKind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim uploaded sources: %w", err)
	}
	defer rows.Close()
	return s.collectRawSources(rows)
}

// ReclaimStaleSources resets processing rows whose claim went stale back to
// uploaded. Claims are leases: a daemon that died mid-run loses its rows
// after the reclaim window and another daemon picks them up.
func (s *Store) ReclaimStaleSources(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.conn.Exec(ctx, reclaimStaleSourcesSQL, staleAfter.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale sources: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdateRawSourceStatus moves a raw source to a new lifecycle status.
func (s *Store) UpdateRawSourceStatus(ctx context.Context, id, status string) error {
	tag, err := s.conn.Exec(ctx, updateRawSourceStatusSQL, id, status)
	if err != nil {
		return fmt.Errorf("failed to update raw source %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRawSourceError marks a raw source as failed ETL with the error message.
func (s *Store) SetRawSourceError(ctx context.Context, id, errorMessage string) error {
	tag, err := s.conn.Exec(ctx, setRawSourceErrorSQL, id, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to set raw source %s error: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanRawSource(row pgxv5.Row) (*RawSource, error) {
	var rs RawSource
	err := row.Scan(
		&rs.ID, &rs.TopicName, &rs.TargetKind, &rs.OriginalFilename,
		&rs.ByteKey, &rs.FileHash, &rs.Metadata, &rs.Status,
		&rs.ErrorMessage, &rs.CreatedAt, &rs.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan raw source: %w", err)
	}
	return &rs, nil
}

func (s *Store) collectRawSources(rows pgxv5.Rows) ([]RawSource, error) {
	var out []RawSource
	for rows.Next() {
		var rs RawSource
		if err := rows.Scan(
			&rs.ID, &rs.TopicName, &rs.TargetKind, &rs.OriginalFilename,
			&rs.ByteKey, &rs.FileHash, &rs.Metadata, &rs.Status,
			&rs.ErrorMessage, &rs.CreatedAt, &rs.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

const insertRawSourceSQL = `
INSERT INTO raw_sources (id, topic_name, target_kind, original_filename, byte_key, file_hash, metadata, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

const rawSourceColumns = `
id, topic_name, target_kind, original_filename, byte_key, file_hash, metadata, status,
COALESCE(error_message, ''), created_at, updated_at
`

const getRawSourceSQL = `
SELECT ` + rawSourceColumns + `
FROM raw_sources
WHERE id = $1;
`

const getRawSourcesSQL = `
SELECT ` + rawSourceColumns + `
FROM raw_sources
WHERE id = ANY($1);
`

const claimUploadedSourcesSQL = `
UPDATE raw_sources
SET status = 'processing', updated_at = now()
WHERE id IN (
	SELECT id FROM raw_sources
	WHERE status = 'uploaded' AND target_kind = $1
	ORDER BY created_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + rawSourceColumns + `;
`

const reclaimStaleSourcesSQL = `
UPDATE raw_sources
SET status = 'uploaded', updated_at = now()
WHERE status = 'processing'
  AND updated_at < now() - ($1::bigint * interval '1 millisecond');
`

const updateRawSourceStatusSQL = `
UPDATE raw_sources
SET status = $2, updated_at = now()
WHERE id = $1;
`

const setRawSourceErrorSQL = `
UPDATE raw_sources
SET status = 'etl_failed', error_message = $2, updated_at = now()
WHERE id = $1;
`

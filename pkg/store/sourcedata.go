package store

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
)

// InsertSourceData inserts a source data row for (topic, content hash).
// If the pair already exists the existing row is returned with reused=true,
// which is how idempotent re-ingestion surfaces to the caller.
func (s *Store) InsertSourceData(ctx context.Context, sd SourceData) (*SourceData, bool, error) {
	var id string
	err := s.conn.QueryRow(ctx, insertSourceDataSQL,
		sd.ID,
		sd.Name,
		sd.TopicName,
		nullIfEmpty(sd.RawSourceID),
		sd.ContentHash,
		sd.Link,
		sd.SourceKind,
		sd.Attributes,
		sd.Status,
	).Scan(&id)
	if err == nil {
		inserted, getErr := s.GetSourceData(ctx, id)
		return inserted, false, getErr
	}
	if !errors.Is(err, pgxv5.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert source data: %w", err)
	}

	existing, err := s.GetSourceDataByHash(ctx, sd.TopicName, sd.ContentHash)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// GetSourceData loads a source data row by id.
func (s *Store) GetSourceData(ctx context.Context, id string) (*SourceData, error) {
	return s.scanSourceData(s.conn.QueryRow(ctx, getSourceDataSQL, id))
}

// GetSourceDataByHash loads the source data row for (topic, content hash).
func (s *Store) GetSourceDataByHash(ctx context.Context, topicName, contentHash string) (*SourceData, error) {
	return s.scanSourceData(s.conn.QueryRow(ctx, getSourceDataByHashSQL, topicName, contentHash))
}

// ListTopicSourceData returns every source data row of a topic, oldest first.
func (s *Store) ListTopicSourceData(ctx context.Context, topicName string) ([]SourceData, error) {
	rows, err := s.conn.Query(ctx, listTopicSourceDataSQL, topicName)
	if err != nil {
		return nil, fmt.Errorf("failed to list source data for topic %s: %w", topicName, err)
	}
	defer rows.Close()

	var out []SourceData
	for rows.Next() {
		var sd SourceData
		var rawSourceID *string
		if err := rows.Scan(
			&sd.ID, &sd.Name, &sd.TopicName, &rawSourceID, &sd.ContentHash,
			&sd.Link, &sd.SourceKind, &sd.Attributes, &sd.Status,
			&sd.CreatedAt, &sd.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if rawSourceID != nil {
			sd.RawSourceID = *rawSourceID
		}
		out = append(out, sd)
	}
	return out, rows.Err()
}

// UpdateSourceDataStatus moves a source data row to a new lifecycle status.
func (s *Store) UpdateSourceDataStatus(ctx context.Context, id, status string) error {
	tag, err := s.conn.Exec(ctx, updateSourceDataStatusSQL, id, status)
	if err != nil {
		return fmt.Errorf("failed to update source data %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSourceDataAttributes replaces the attributes document of a source data
// row (used to persist cognitive maps).
func (s *Store) SetSourceDataAttributes(ctx context.Context, id string, attributes map[string]any) error {
	tag, err := s.conn.Exec(ctx, setSourceDataAttributesSQL, id, attributes)
	if err != nil {
		return fmt.Errorf("failed to set source data %s attributes: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TopicExists reports whether a topic already has a ready blueprint. This is
// the pipeline-selection notion of "existing topic".
func (s *Store) TopicExists(ctx context.Context, topicName string) (bool, error) {
	var exists bool
	if err := s.conn.QueryRow(ctx, topicExistsSQL, topicName).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check topic %s: %w", topicName, err)
	}
	return exists, nil
}

func (s *Store) scanSourceData(row pgxv5.Row) (*SourceData, error) {
	var sd SourceData
	var rawSourceID *string
	err := row.Scan(
		&sd.ID, &sd.Name, &sd.TopicName, &rawSourceID, &sd.ContentHash,
		&sd.Link, &sd.SourceKind, &sd.Attributes, &sd.Status,
		&sd.CreatedAt, &sd.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan source data: %w", err)
	}
	if rawSourceID != nil {
		sd.RawSourceID = *rawSourceID
	}
	return &sd, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const insertSourceDataSQL = `
INSERT INTO source_data (id, name, topic_name, raw_source_id, content_hash, link, source_kind, attributes, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (topic_name, content_hash) DO NOTHING
RETURNING id;
`

const sourceDataColumns = `
id, name, topic_name, raw_source_id, content_hash, link, source_kind, attributes, status, created_at, updated_at
`

const getSourceDataSQL = `
SELECT ` + sourceDataColumns + `
FROM source_data
WHERE id = $1;
`

const getSourceDataByHashSQL = `
SELECT ` + sourceDataColumns + `
FROM source_data
WHERE topic_name = $1 AND content_hash = $2;
`

const listTopicSourceDataSQL = `
SELECT ` + sourceDataColumns + `
FROM source_data
WHERE topic_name = $1
ORDER BY created_at ASC;
`

const updateSourceDataStatusSQL = `
UPDATE source_data
SET status = $2, updated_at = now()
WHERE id = $1;
`

const setSourceDataAttributesSQL = `
UPDATE source_data
SET attributes = $2, updated_at = now()
WHERE id = $1;
`

const topicExistsSQL = `
SELECT EXISTS (
	SELECT 1 FROM analysis_blueprints
	WHERE topic_name = $1 AND status = 'ready'
);
`

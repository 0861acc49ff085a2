package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
)

// GetActiveBlueprint returns the single ready blueprint of a topic, or
// ErrNotFound if the topic has none.
func (s *Store) GetActiveBlueprint(ctx context.Context, topicName string) (*Blueprint, error) {
	return s.scanBlueprint(s.conn.QueryRow(ctx, getActiveBlueprintSQL, topicName))
}

// GetBlueprint loads a blueprint by id regardless of status.
func (s *Store) GetBlueprint(ctx context.Context, id string) (*Blueprint, error) {
	return s.scanBlueprint(s.conn.QueryRow(ctx, getBlueprintSQL, id))
}

// InsertBlueprint creates a new blueprint row in status generating.
func (s *Store) InsertBlueprint(ctx context.Context, bp Blueprint) error {
	contributing, err := json.Marshal(bp.ContributingSourceDataIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal contributing ids: %w", err)
	}
	canonical, err := json.Marshal(bp.CanonicalEntities)
	if err != nil {
		return fmt.Errorf("failed to marshal canonical entities: %w", err)
	}
	patterns, err := json.Marshal(bp.KeyPatterns)
	if err != nil {
		return fmt.Errorf("failed to marshal key patterns: %w", err)
	}
	timeline, err := json.Marshal(bp.GlobalTimeline)
	if err != nil {
		return fmt.Errorf("failed to marshal global timeline: %w", err)
	}

	_, err = s.conn.Exec(ctx, insertBlueprintSQL,
		bp.ID,
		bp.TopicName,
		BlueprintStatusGenerating,
		bp.VersionHash,
		contributing,
		canonical,
		patterns,
		timeline,
		bp.ProcessingInstructions,
	)
	if err != nil {
		return fmt.Errorf("failed to insert blueprint: %w", err)
	}
	return nil
}

// UpdateBlueprintContent stores the synthesized blueprint body on an existing
// generating row before activation. The version hash and contributing ids are
// rewritten too: when cognitive maps fail, generation narrows the version to
// the sources that actually contributed.
func (s *Store) UpdateBlueprintContent(ctx context.Context, bp Blueprint) error {
	contributing, err := json.Marshal(bp.ContributingSourceDataIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal contributing ids: %w", err)
	}
	canonical, err := json.Marshal(bp.CanonicalEntities)
	if err != nil {
		return fmt.Errorf("failed to marshal canonical entities: %w", err)
	}
	patterns, err := json.Marshal(bp.KeyPatterns)
	if err != nil {
		return fmt.Errorf("failed to marshal key patterns: %w", err)
	}
	timeline, err := json.Marshal(bp.GlobalTimeline)
	if err != nil {
		return fmt.Errorf("failed to marshal global timeline: %w", err)
	}

	tag, err := s.conn.Exec(ctx, updateBlueprintContentSQL,
		bp.ID, bp.VersionHash, contributing, canonical, patterns, timeline, bp.ProcessingInstructions,
	)
	if err != nil {
		return fmt.Errorf("failed to update blueprint %s: %w", bp.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateBlueprint marks the blueprint ready and supersedes the previous
// ready blueprint of the same topic in one transaction, keeping the
// single-active invariant.
func (s *Store) ActivateBlueprint(ctx context.Context, id string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin activation: %w", err)
	}
	defer tx.Rollback(ctx)

	var topicName string
	if err := tx.QueryRow(ctx, blueprintTopicSQL, id).Scan(&topicName); err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load blueprint %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx, supersedeBlueprintsSQL, topicName, id); err != nil {
		return fmt.Errorf("failed to supersede blueprints for %s: %w", topicName, err)
	}
	tag, err := tx.Exec(ctx, activateBlueprintSQL, id)
	if err != nil {
		return fmt.Errorf("failed to activate blueprint %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// FailBlueprint marks a generating blueprint as failed with the given message.
func (s *Store) FailBlueprint(ctx context.Context, id, errorMessage string) error {
	tag, err := s.conn.Exec(ctx, failBlueprintSQL, id, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to mark blueprint %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanBlueprint(row pgxv5.Row) (*Blueprint, error) {
	var bp Blueprint
	var contributing, canonical, patterns, timeline []byte
	err := row.Scan(
		&bp.ID, &bp.TopicName, &bp.Status, &bp.VersionHash,
		&contributing, &canonical, &patterns, &timeline,
		&bp.ProcessingInstructions, &bp.ErrorMessage,
		&bp.CreatedAt, &bp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan blueprint: %w", err)
	}

	if err := json.Unmarshal(contributing, &bp.ContributingSourceDataIDs); err != nil {
		return nil, fmt.Errorf("failed to decode contributing ids: %w", err)
	}
	if err := json.Unmarshal(canonical, &bp.CanonicalEntities); err != nil {
		return nil, fmt.Errorf("failed to decode canonical entities: %w", err)
	}
	if err := json.Unmarshal(patterns, &bp.KeyPatterns); err != nil {
		return nil, fmt.Errorf("failed to decode key patterns: %w", err)
	}
	if err := json.Unmarshal(timeline, &bp.GlobalTimeline); err != nil {
		return nil, fmt.Errorf("failed to decode global timeline: %w", err)
	}
	return &bp, nil
}

const blueprintColumns = `
id, topic_name, status, source_data_version_hash,
contributing_source_data_ids, canonical_entities, key_patterns, global_timeline,
processing_instructions, COALESCE(error_message, ''), created_at, updated_at
`

const getActiveBlueprintSQL = `
SELECT ` + blueprintColumns + `
FROM analysis_blueprints
WHERE topic_name = $1 AND status = 'ready';
`

const getBlueprintSQL = `
SELECT ` + blueprintColumns + `
FROM analysis_blueprints
WHERE id = $1;
`

const insertBlueprintSQL = `
INSERT INTO analysis_blueprints (
	id, topic_name, status, source_data_version_hash,
	contributing_source_data_ids, canonical_entities, key_patterns, global_timeline,
	processing_instructions
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`

const updateBlueprintContentSQL = `
UPDATE analysis_blueprints
SET source_data_version_hash = $2,
    contributing_source_data_ids = $3,
    canonical_entities = $4,
    key_patterns = $5,
    global_timeline = $6,
    processing_instructions = $7,
    updated_at = now()
WHERE id = $1 AND status = 'generating';
`

const blueprintTopicSQL = `
SELECT topic_name FROM analysis_blueprints WHERE id = $1;
`

const supersedeBlueprintsSQL = `
UPDATE analysis_blueprints
SET status = 'superseded', updated_at = now()
WHERE topic_name = $1 AND status = 'ready' AND id <> $2;
`

const activateBlueprintSQL = `
UPDATE analysis_blueprints
SET status = 'ready', updated_at = now()
WHERE id = $1 AND status = 'generating';
`

const failBlueprintSQL = `
UPDATE analysis_blueprints
SET status = 'failed', error_message = $2, updated_at = now()
WHERE id = $1 AND status = 'generating';
`

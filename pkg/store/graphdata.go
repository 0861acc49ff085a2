package store

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Graph element types for source_graph_mapping rows.
const (
	ElementTypeEntity       = "entity"
	ElementTypeRelationship = "relationship"
)

// MarkGraphBuilt claims the (source, blueprint) build slot. It returns true
// when this caller won the claim and false when the slot was already taken,
// which is how concurrent builders agree on at-most-once graph builds.
func (s *Store) MarkGraphBuilt(ctx context.Context, sourceDataID, blueprintID string) (bool, error) {
	tag, err := s.conn.Exec(ctx, markGraphBuiltSQL, sourceDataID, blueprintID)
	if err != nil {
		return false, fmt.Errorf("failed to mark graph built for %s: %w", sourceDataID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UnmarkGraphBuilt releases a build claim after a failed build so the pair
// can be retried.
func (s *Store) UnmarkGraphBuilt(ctx context.Context, sourceDataID, blueprintID string) error {
	_, err := s.conn.Exec(ctx, unmarkGraphBuiltSQL, sourceDataID, blueprintID)
	if err != nil {
		return fmt.Errorf("failed to unmark graph built for %s: %w", sourceDataID, err)
	}
	return nil
}

// IsGraphBuilt reports whether the (source, blueprint) pair was already built.
func (s *Store) IsGraphBuilt(ctx context.Context, sourceDataID, blueprintID string) (bool, error) {
	var exists bool
	if err := s.conn.QueryRow(ctx, isGraphBuiltSQL, sourceDataID, blueprintID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check graph built for %s: %w", sourceDataID, err)
	}
	return exists, nil
}

// UpsertEntity inserts or refreshes a topic-scoped entity and returns its id.
// On conflict the description and embedding are replaced with the newer ones.
func (s *Store) UpsertEntity(ctx context.Context, entity Entity, embedding []float32) (string, error) {
	var id string
	err := s.conn.QueryRow(ctx, upsertEntitySQL,
		entity.ID,
		entity.TopicName,
		entity.Name,
		entity.EntityType,
		entity.Description,
		pgvector.NewVector(embedding),
		entity.Attributes,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert entity %s: %w", entity.Name, err)
	}
	return id, nil
}

// GetEntityByName loads a topic's entity by its unique name.
func (s *Store) GetEntityByName(ctx context.Context, topicName, name string) (*Entity, error) {
	var e Entity
	err := s.conn.QueryRow(ctx, getEntityByNameSQL, topicName, name).Scan(
		&e.ID, &e.TopicName, &e.Name, &e.EntityType, &e.Description, &e.Attributes,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity %s: %w", name, err)
	}
	return &e, nil
}

// InsertRelationship stores a directed edge between two entities.
func (s *Store) InsertRelationship(ctx context.Context, rel Relationship) error {
	_, err := s.conn.Exec(ctx, insertRelationshipSQL,
		rel.ID,
		rel.SourceEntityID,
		rel.TargetEntityID,
		rel.Description,
		rel.Attributes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert relationship: %w", err)
	}
	return nil
}

// LinkSourceGraphElement records that a graph element was extracted from a
// source, for later provenance queries and source deletion.
func (s *Store) LinkSourceGraphElement(ctx context.Context, sourceDataID, elementID, elementType string) error {
	_, err := s.conn.Exec(ctx, linkSourceGraphElementSQL, sourceDataID, elementID, elementType)
	if err != nil {
		return fmt.Errorf("failed to link graph element %s: %w", elementID, err)
	}
	return nil
}

// InsertKnowledgeBlock stores a knowledge block with its embedding and links
// it to the source it was distilled from.
func (s *Store) InsertKnowledgeBlock(ctx context.Context, block KnowledgeBlock, embedding []float32, sourceDataID string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin knowledge block insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertKnowledgeBlockSQL,
		block.ID,
		block.Name,
		block.KnowledgeType,
		block.Content,
		block.ContentHash,
		pgvector.NewVector(embedding),
		block.Attributes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge block: %w", err)
	}

	if _, err := tx.Exec(ctx, linkBlockSourceSQL, block.ID, sourceDataID); err != nil {
		return fmt.Errorf("failed to link knowledge block to source: %w", err)
	}

	return tx.Commit(ctx)
}

// CountTopicEntities returns the number of entities in a topic's graph.
func (s *Store) CountTopicEntities(ctx context.Context, topicName string) (int, error) {
	var count int
	if err := s.conn.QueryRow(ctx, countTopicEntitiesSQL, topicName).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count entities for %s: %w", topicName, err)
	}
	return count, nil
}

const markGraphBuiltSQL = `
INSERT INTO graph_build_marks (source_data_id, blueprint_id)
VALUES ($1, $2)
ON CONFLICT (source_data_id, blueprint_id) DO NOTHING;
`

const unmarkGraphBuiltSQL = `
DELETE FROM graph_build_marks
WHERE source_data_id = $1 AND blueprint_id = $2;
`

const isGraphBuiltSQL = `
SELECT EXISTS (
	SELECT 1 FROM graph_build_marks
	WHERE source_data_id = $1 AND blueprint_id = $2
);
`

const upsertEntitySQL = `
INSERT INTO entities (id, topic_name, name, entity_type, description, description_vec, attributes)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (topic_name, name) DO UPDATE
SET entity_type = EXCLUDED.entity_type,
    description = EXCLUDED.description,
    description_vec = EXCLUDED.description_vec,
    attributes = EXCLUDED.attributes
RETURNING id;
`

const getEntityByNameSQL = `
SELECT id, topic_name, name, entity_type, description, attributes
FROM entities
WHERE topic_name = $1 AND name = $2;
`

const insertRelationshipSQL = `
INSERT INTO relationships (id, source_entity_id, target_entity_id, description, attributes)
VALUES ($1, $2, $3, $4, $5);
`

const linkSourceGraphElementSQL = `
INSERT INTO source_graph_mapping (source_id, graph_element_id, element_type)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING;
`

const insertKnowledgeBlockSQL = `
INSERT INTO knowledge_blocks (id, name, knowledge_type, content, content_hash, content_vec, attributes)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`

const linkBlockSourceSQL = `
INSERT INTO block_source_mapping (block_id, source_id, position_in_source)
VALUES ($1, $2, 0)
ON CONFLICT DO NOTHING;
`

const countTopicEntitiesSQL = `
SELECT COUNT(*) FROM entities WHERE topic_name = $1;
`

// Package state implements the daemon's shared state: a namespaced
// key/value store plus an entity/relationship graph, both persisted in
// SQLite so state survives daemon restarts.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ksi-project/ksi/pkg/database"
)

// ErrNotFound is returned when a key, entity, or relationship is absent.
var ErrNotFound = errors.New("not found")

// Entity is one node of the state graph.
type Entity struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Relationship is one typed edge between two entities.
type Relationship struct {
	FromID     string         `json:"from_id"`
	ToID       string         `json:"to_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store persists the KV space and the entity graph.
type Store struct {
	client *database.Client
}

// NewStore wraps the shared database client.
func NewStore(client *database.Client) *Store {
	return &Store{client: client}
}

// Set writes a value under (namespace, key), replacing any previous value.
// Values are stored as JSON.
func (s *Store) Set(ctx context.Context, namespace, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	_, err = s.client.DB().ExecContext(ctx, `
		INSERT INTO state_kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (namespace, key) DO UPDATE
		SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		namespace, key, string(raw))
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get reads the value stored under (namespace, key).
func (s *Store) Get(ctx context.Context, namespace, key string) (any, error) {
	var raw string
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT value FROM state_kv WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", namespace, key, err)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Delete removes a key. Returns ErrNotFound when nothing was stored.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	res, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM state_kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListKeys returns the keys of a namespace, sorted.
func (s *Store) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT key FROM state_kv WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", namespace, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CreateEntity inserts a graph node. Fails when the id exists.
func (s *Store) CreateEntity(ctx context.Context, id, entityType string, properties map[string]any) error {
	if properties == nil {
		properties = map[string]any{}
	}
	raw, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	_, err = s.client.DB().ExecContext(ctx,
		`INSERT INTO state_entities (id, entity_type, properties) VALUES (?, ?, ?)`,
		id, entityType, string(raw))
	if err != nil {
		return fmt.Errorf("failed to create entity %s: %w", id, err)
	}
	return nil
}

// GetEntity loads one graph node.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	var e Entity
	var raw string
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT id, entity_type, properties, created_at FROM state_entities WHERE id = ?`,
		id).Scan(&e.ID, &e.Type, &raw, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(raw), &e.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode entity %s properties: %w", id, err)
	}
	return &e, nil
}

// UpdateEntity merges new properties into an existing node. Keys present in
// properties overwrite, other keys are preserved.
func (s *Store) UpdateEntity(ctx context.Context, id string, properties map[string]any) error {
	entity, err := s.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	merged := entity.Properties
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range properties {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	_, err = s.client.DB().ExecContext(ctx,
		`UPDATE state_entities SET properties = ? WHERE id = ?`, string(raw), id)
	if err != nil {
		return fmt.Errorf("failed to update entity %s: %w", id, err)
	}
	return nil
}

// DeleteEntity removes a node and every edge touching it.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM state_entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM state_relationships WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
		return fmt.Errorf("failed to delete relationships of %s: %w", id, err)
	}
	return tx.Commit()
}

// QueryEntities returns all nodes of a type (all nodes when type is empty).
func (s *Store) QueryEntities(ctx context.Context, entityType string) ([]*Entity, error) {
	query := `SELECT id, entity_type, properties, created_at FROM state_entities`
	args := []any{}
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	entities := make([]*Entity, 0)
	for rows.Next() {
		var e Entity
		var raw string
		if err := rows.Scan(&e.ID, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode entity %s properties: %w", e.ID, err)
		}
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

// TraversalNode pairs an entity with its distance from the traversal start.
type TraversalNode struct {
	Entity *Entity `json:"entity"`
	Depth  int     `json:"depth"`
}

// Traverse walks the graph breadth-first from startID. direction selects
// which edges to follow ("out", "in", or "both"; empty means "out"),
// relType restricts the walk to one edge type (empty matches all), and
// maxDepth bounds the distance (zero or negative means unbounded). The
// start entity is included at depth 0; each entity appears once, at its
// shortest distance.
func (s *Store) Traverse(ctx context.Context, startID, direction, relType string, maxDepth int) ([]*TraversalNode, error) {
	start, err := s.GetEntity(ctx, startID)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{startID: true}
	nodes := []*TraversalNode{{Entity: start, Depth: 0}}
	frontier := []string{startID}

	for depth := 1; len(frontier) > 0; depth++ {
		if maxDepth > 0 && depth > maxDepth {
			break
		}
		var next []string
		for _, id := range frontier {
			neighborIDs, err := s.neighbors(ctx, id, direction, relType)
			if err != nil {
				return nil, err
			}
			for _, nid := range neighborIDs {
				if visited[nid] {
					continue
				}
				visited[nid] = true
				entity, err := s.GetEntity(ctx, nid)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, &TraversalNode{Entity: entity, Depth: depth})
				next = append(next, nid)
			}
		}
		frontier = next
	}
	return nodes, nil
}

func (s *Store) neighbors(ctx context.Context, id, direction, relType string) ([]string, error) {
	var ids []string
	if direction == "" || direction == "out" || direction == "both" {
		rels, err := s.QueryRelationships(ctx, id, "", relType)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			ids = append(ids, r.ToID)
		}
	}
	if direction == "in" || direction == "both" {
		rels, err := s.QueryRelationships(ctx, "", id, relType)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			ids = append(ids, r.FromID)
		}
	}
	return ids, nil
}

// CreateRelationship inserts a typed edge. Both endpoints must exist; the
// (from, to, type) triple is unique.
func (s *Store) CreateRelationship(ctx context.Context, fromID, toID, relType string, properties map[string]any) error {
	for _, id := range []string{fromID, toID} {
		if _, err := s.GetEntity(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("entity %s: %w", id, ErrNotFound)
			}
			return err
		}
	}
	if properties == nil {
		properties = map[string]any{}
	}
	raw, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	_, err = s.client.DB().ExecContext(ctx, `
		INSERT INTO state_relationships (from_id, to_id, rel_type, properties)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (from_id, to_id, rel_type) DO UPDATE
		SET properties = excluded.properties`,
		fromID, toID, relType, string(raw))
	if err != nil {
		return fmt.Errorf("failed to create relationship %s-[%s]->%s: %w", fromID, relType, toID, err)
	}
	return nil
}

// DeleteRelationship removes one edge.
func (s *Store) DeleteRelationship(ctx context.Context, fromID, toID, relType string) error {
	res, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM state_relationships WHERE from_id = ? AND to_id = ? AND rel_type = ?`,
		fromID, toID, relType)
	if err != nil {
		return fmt.Errorf("failed to delete relationship: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueryRelationships returns edges filtered by any combination of from, to,
// and type; empty filters match everything.
func (s *Store) QueryRelationships(ctx context.Context, fromID, toID, relType string) ([]*Relationship, error) {
	query := `SELECT from_id, to_id, rel_type, properties, created_at FROM state_relationships WHERE 1=1`
	args := []any{}
	if fromID != "" {
		query += ` AND from_id = ?`
		args = append(args, fromID)
	}
	if toID != "" {
		query += ` AND to_id = ?`
		args = append(args, toID)
	}
	if relType != "" {
		query += ` AND rel_type = ?`
		args = append(args, relType)
	}
	query += ` ORDER BY id`

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	rels := make([]*Relationship, 0)
	for rows.Next() {
		var r Relationship
		var raw string
		if err := rows.Scan(&r.FromID, &r.ToID, &r.Type, &raw, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode relationship properties: %w", err)
		}
		rels = append(rels, &r)
	}
	return rels, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/identity.space/internal/services/projector/storage"
)

// PutNode upserts a graph node.
func (s *Scope) PutNode(ctx context.Context, node storage.NodeRecord) error {
	node.ID = strings.TrimSpace(node.ID)
	if node.ID == "" {
		return fmt.Errorf("node id is required")
	}
	props, err := encodeProperties(node.Properties)
	if err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(ctx,
		`INSERT INTO graph_nodes (id, kind, label, properties_json, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     kind = excluded.kind,
		     label = excluded.label,
		     properties_json = excluded.properties_json,
		     updated_at = excluded.updated_at`,
		node.ID, node.Kind, node.Label, props, toMillis(node.UpdatedAt),
	); err != nil {
		return fmt.Errorf("put node %s: %w", node.ID, err)
	}
	return nil
}

// GetNode returns storage.ErrNotFound when the node is missing.
func (s *Scope) GetNode(ctx context.Context, id string) (storage.NodeRecord, error) {
	var (
		node      storage.NodeRecord
		props     string
		updatedAt int64
	)
	err := s.tx.QueryRowContext(ctx,
		`SELECT id, kind, label, properties_json, updated_at FROM graph_nodes WHERE id = ?`, id,
	).Scan(&node.ID, &node.Kind, &node.Label, &props, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.NodeRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.NodeRecord{}, fmt.Errorf("get node %s: %w", id, err)
	}
	if node.Properties, err = decodeProperties(props); err != nil {
		return storage.NodeRecord{}, err
	}
	node.UpdatedAt = fromMillis(updatedAt)
	return node, nil
}

// DeleteNode removes the node and every edge touching it.
func (s *Scope) DeleteNode(ctx context.Context, id string) error {
	if _, err := s.tx.ExecContext(ctx,
		`DELETE FROM graph_edges WHERE from_id = ? OR to_id = ?`, id, id,
	); err != nil {
		return fmt.Errorf("delete edges of %s: %w", id, err)
	}
	if _, err := s.tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

// PutEdge upserts a directed edge.
func (s *Scope) PutEdge(ctx context.Context, edge storage.EdgeRecord) error {
	if strings.TrimSpace(edge.FromID) == "" || strings.TrimSpace(edge.ToID) == "" {
		return fmt.Errorf("edge endpoints are required")
	}
	if _, err := s.tx.ExecContext(ctx,
		`INSERT INTO graph_edges (from_id, to_id, kind, role, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (from_id, to_id, kind) DO UPDATE SET
		     role = excluded.role,
		     updated_at = excluded.updated_at`,
		edge.FromID, edge.ToID, edge.Kind, edge.Role, toMillis(edge.UpdatedAt),
	); err != nil {
		return fmt.Errorf("put edge %s-%s->%s: %w", edge.FromID, edge.Kind, edge.ToID, err)
	}
	return nil
}

// DeleteEdge removes one edge if present.
func (s *Scope) DeleteEdge(ctx context.Context, fromID, toID, kind string) error {
	if _, err := s.tx.ExecContext(ctx,
		`DELETE FROM graph_edges WHERE from_id = ? AND to_id = ? AND kind = ?`, fromID, toID, kind,
	); err != nil {
		return fmt.Errorf("delete edge %s-%s->%s: %w", fromID, kind, toID, err)
	}
	return nil
}

// ListEdges returns every edge touching nodeID ordered by endpoints.
func (s *Scope) ListEdges(ctx context.Context, nodeID string) ([]storage.EdgeRecord, error) {
	rows, err := s.tx.QueryContext(ctx,
		`SELECT from_id, to_id, kind, role, updated_at FROM graph_edges
		 WHERE from_id = ? OR to_id = ? ORDER BY from_id, to_id, kind`,
		nodeID, nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list edges of %s: %w", nodeID, err)
	}
	defer rows.Close()

	var edges []storage.EdgeRecord
	for rows.Next() {
		var (
			edge      storage.EdgeRecord
			updatedAt int64
		)
		if err := rows.Scan(&edge.FromID, &edge.ToID, &edge.Kind, &edge.Role, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edge.UpdatedAt = fromMillis(updatedAt)
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

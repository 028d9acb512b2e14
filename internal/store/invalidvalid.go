package store

import (
	"context"
	"fmt"
)

// MarkInvalid records that nodeID marked hash invalid, append-only with
// uniqueness on (hash, node) (spec §3).
func (s *Store) MarkInvalid(ctx context.Context, hash string, nodeID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invalid_blocks (hash, node_id) VALUES ($1, $2)
		ON CONFLICT (hash, node_id) DO NOTHING`, hash, nodeID)
	if err != nil {
		return fmt.Errorf("store: mark invalid %s node=%d: %w", hash, nodeID, err)
	}
	return nil
}

// MarkValid records that nodeID marked hash valid.
func (s *Store) MarkValid(ctx context.Context, hash string, nodeID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO valid_blocks (hash, node_id) VALUES ($1, $2)
		ON CONFLICT (hash, node_id) DO NOTHING`, hash, nodeID)
	if err != nil {
		return fmt.Errorf("store: mark valid %s node=%d: %w", hash, nodeID, err)
	}
	return nil
}

// IsMarkedInvalid reports whether any node has ever marked hash invalid,
// the plain existence check original_source's Block::marked_invalid makes
// (spec §4.3 match_children: "no block along the way is marked invalid by
// C's node" is checked per-node elsewhere; this unscoped check mirrors the
// Rust helper's own signature, which ignores node id).
func (s *Store) IsMarkedInvalid(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM invalid_blocks WHERE hash = $1)`, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: is marked invalid %s: %w", hash, err)
	}
	return exists, nil
}

// IsMarkedInvalidBy reports whether nodeID has ever marked hash invalid —
// used by the ancestor walks of spec §4.3's cross-node linking to terminate
// "on an invalid mark".
func (s *Store) IsMarkedInvalidBy(ctx context.Context, hash string, nodeID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM invalid_blocks WHERE hash = $1 AND node_id = $2)`,
		hash, nodeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: is marked invalid %s node=%d: %w", hash, nodeID, err)
	}
	return exists, nil
}

// IsMarkedValidBy reports whether nodeID has ever marked hash valid — used
// by the rollback validator (spec §4.5) to skip tips it has already
// resolved.
func (s *Store) IsMarkedValidBy(ctx context.Context, hash string, nodeID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM valid_blocks WHERE hash = $1 AND node_id = $2)`,
		hash, nodeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: is marked valid %s node=%d: %w", hash, nodeID, err)
	}
	return exists, nil
}

// InvalidHashesByNode returns every hash nodeID has marked invalid.
func (s *Store) InvalidHashesByNode(ctx context.Context, nodeID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT hash FROM invalid_blocks WHERE node_id = $1`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("store: invalid hashes for node=%d: %w", nodeID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

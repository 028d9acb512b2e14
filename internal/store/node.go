package store

import (
	"context"
	"fmt"

	"github.com/twilight-project/forkscanner/pkg/models"
)

// ListNodes returns every configured node, the fleet the engine iterates
// each pass (spec §4.1).
func (s *Store) ListNodes(ctx context.Context) ([]models.Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, rpc_host, rpc_port, mirror_port, rpc_user, rpc_pass,
		       archive, in_ibd, unreachable_since, last_poll
		FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer rows.Close()

	var out []models.Node
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(&n.ID, &n.Name, &n.RPCHost, &n.RPCPort, &n.MirrorPort,
			&n.RPCUser, &n.RPCPass, &n.Archive, &n.InIBD, &n.UnreachableSince, &n.LastPoll); err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// InsertNode adds a node to the fleet (spec §3: "inserted by command, removed
// by command; never implicitly deleted").
func (s *Store) InsertNode(ctx context.Context, n models.Node) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO nodes (name, rpc_host, rpc_port, mirror_port, rpc_user, rpc_pass, archive, in_ibd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		n.Name, n.RPCHost, n.RPCPort, n.MirrorPort, n.RPCUser, n.RPCPass, n.Archive, n.InIBD,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert node: %w", err)
	}
	return id, nil
}

// RemoveNode deletes a node by command (spec §3).
func (s *Store) RemoveNode(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: remove node %d: %w", id, err)
	}
	return nil
}

// MarkReachable clears a node's unreachable-since marker and stamps last_poll.
func (s *Store) MarkReachable(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE nodes SET unreachable_since = NULL, last_poll = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark reachable %d: %w", id, err)
	}
	return nil
}

// MarkUnreachable sets a node's unreachable-since marker if not already set,
// so repeated failures keep the time of the first one.
func (s *Store) MarkUnreachable(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE nodes SET unreachable_since = COALESCE(unreachable_since, now())
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark unreachable %d: %w", id, err)
	}
	return nil
}

// SetInIBD records whether a node is currently in initial block download.
func (s *Store) SetInIBD(ctx context.Context, id int64, inIBD bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE nodes SET in_ibd = $2 WHERE id = $1`, id, inIBD)
	if err != nil {
		return fmt.Errorf("store: set in_ibd %d: %w", id, err)
	}
	return nil
}

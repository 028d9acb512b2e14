package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/twilight-project/forkscanner/pkg/models"
)

// RecordLag records that nodeID was behind the majority at this instant.
func (s *Store) RecordLag(ctx context.Context, nodeID int64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO lags (node_id, at) VALUES ($1, now())`, nodeID)
	if err != nil {
		return fmt.Errorf("store: record lag node=%d: %w", nodeID, err)
	}
	return nil
}

// UpsertBlockTemplate stores a node's current mempool snapshot at a parent
// hash (spec §3 BlockTemplate).
func (s *Store) UpsertBlockTemplate(ctx context.Context, bt models.BlockTemplate) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO block_templates (node_id, parent_hash, fee_total, lowest_fee_rate, captured_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (node_id, parent_hash) DO UPDATE SET
				fee_total = EXCLUDED.fee_total, lowest_fee_rate = EXCLUDED.lowest_fee_rate,
				captured_at = EXCLUDED.captured_at`,
			bt.NodeID, bt.ParentHash, bt.FeeTotal, bt.LowestFeeRate)
		if err != nil {
			return fmt.Errorf("store: upsert block template node=%d parent=%s: %w", bt.NodeID, bt.ParentHash, err)
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM block_template_txs WHERE node_id = $1 AND parent_hash = $2`,
			bt.NodeID, bt.ParentHash); err != nil {
			return err
		}
		for _, t := range bt.Txs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO block_template_txs (node_id, parent_hash, txid, fee_rate)
				VALUES ($1, $2, $3, $4)`, bt.NodeID, bt.ParentHash, t.Txid, t.FeeRate); err != nil {
				return fmt.Errorf("store: insert template tx %s: %w", t.Txid, err)
			}
		}
		return nil
	})
}

// BlockTemplateTxids returns the txids a node's template at parentHash
// contains, used to compute a block's added/omitted txid vectors (spec §3
// Block: "optional added/omitted txid vectors relative to the peer's block
// template").
func (s *Store) BlockTemplateTxids(ctx context.Context, nodeID int64, parentHash string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT txid FROM block_template_txs WHERE node_id = $1 AND parent_hash = $2`, nodeID, parentHash)
	if err != nil {
		return nil, fmt.Errorf("store: template txids node=%d parent=%s: %w", nodeID, parentHash, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var txid string
		if err := rows.Scan(&txid); err != nil {
			return nil, err
		}
		out = append(out, txid)
	}
	return out, rows.Err()
}

// ReplacePeers replaces the stored peer list for a node, the snapshot the
// missing-block fetcher iterates to issue per-peer fetch requests (spec
// §4.4).
func (s *Store) ReplacePeers(ctx context.Context, nodeID int64, peers []models.Peer) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM peers WHERE node_id = $1`, nodeID); err != nil {
			return fmt.Errorf("store: clear peers node=%d: %w", nodeID, err)
		}
		for _, p := range peers {
			if _, err := tx.Exec(ctx, `
				INSERT INTO peers (node_id, peer_id, address, sub_version) VALUES ($1, $2, $3, $4)`,
				nodeID, p.PeerID, p.Address, p.SubVersion); err != nil {
				return fmt.Errorf("store: insert peer node=%d peer=%d: %w", nodeID, p.PeerID, err)
			}
		}
		return nil
	})
}

// ListPeers returns the stored peer list for a node.
func (s *Store) ListPeers(ctx context.Context, nodeID int64) ([]models.Peer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, peer_id, address, sub_version FROM peers WHERE node_id = $1`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("store: list peers node=%d: %w", nodeID, err)
	}
	defer rows.Close()

	var out []models.Peer
	for rows.Next() {
		var p models.Peer
		if err := rows.Scan(&p.NodeID, &p.PeerID, &p.Address, &p.SubVersion); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// StaleCandidateChildren returns the descendant-branch rows recorded for a
// candidate height.
func (s *Store) StaleCandidateChildren(ctx context.Context, height int64) ([]models.StaleCandidateChild, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT candidate_height, root_hash, tip_hash, length
		FROM stale_candidate_children WHERE candidate_height = $1
		ORDER BY length DESC`, height)
	if err != nil {
		return nil, fmt.Errorf("store: stale candidate children height=%d: %w", height, err)
	}
	defer rows.Close()

	var out []models.StaleCandidateChild
	for rows.Next() {
		var c models.StaleCandidateChild
		if err := rows.Scan(&c.CandidateHeight, &c.RootHash, &c.TipHash, &c.Length); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

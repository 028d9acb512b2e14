package store

import (
	"context"
	"fmt"

	"github.com/twilight-project/forkscanner/pkg/models"
)

// TxOutsetFor returns the stored UTXO snapshot for (blockHash, nodeID), or
// nil if none exists yet — the inflation checker (spec §4.6) walks parents
// back "while no TxOutset(block, mirror) row exists".
func (s *Store) TxOutsetFor(ctx context.Context, blockHash string, nodeID int64) (*models.TxOutset, error) {
	var t models.TxOutset
	err := s.pool.QueryRow(ctx, `
		SELECT block_hash, node_id, txouts_cnt, total, inflated
		FROM tx_outsets WHERE block_hash = $1 AND node_id = $2`, blockHash, nodeID,
	).Scan(&t.BlockHash, &t.NodeID, &t.TxOutsCnt, &t.Total, &t.Inflated)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: tx outset %s node=%d: %w", blockHash, nodeID, err)
	}
	return &t, nil
}

// PriorTxOutset returns the TxOutset row for the highest block below height
// on nodeID, the "outset[n-1]" the inflation delta is computed against.
func (s *Store) PriorTxOutset(ctx context.Context, nodeID int64, height int64) (*models.TxOutset, error) {
	var t models.TxOutset
	err := s.pool.QueryRow(ctx, `
		SELECT o.block_hash, o.node_id, o.txouts_cnt, o.total, o.inflated
		FROM tx_outsets o
		JOIN blocks b ON b.hash = o.block_hash
		WHERE o.node_id = $1 AND b.height < $2
		ORDER BY b.height DESC LIMIT 1`, nodeID, height,
	).Scan(&t.BlockHash, &t.NodeID, &t.TxOutsCnt, &t.Total, &t.Inflated)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: prior tx outset node=%d height<%d: %w", nodeID, height, err)
	}
	return &t, nil
}

// UpsertTxOutset stores a UTXO snapshot for (block, node).
func (s *Store) UpsertTxOutset(ctx context.Context, t models.TxOutset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tx_outsets (block_hash, node_id, txouts_cnt, total, inflated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (block_hash, node_id) DO UPDATE SET
			txouts_cnt = EXCLUDED.txouts_cnt, total = EXCLUDED.total, inflated = EXCLUDED.inflated`,
		t.BlockHash, t.NodeID, t.TxOutsCnt, t.Total, t.Inflated)
	if err != nil {
		return fmt.Errorf("store: upsert tx outset %s node=%d: %w", t.BlockHash, t.NodeID, err)
	}
	return nil
}

// InsertInflatedBlock records a detected inflation event.
func (s *Store) InsertInflatedBlock(ctx context.Context, ib models.InflatedBlock) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inflated_blocks (hash, node_id, height, delta, subsidy, detected_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (hash, node_id) DO NOTHING`,
		ib.Hash, ib.NodeID, ib.Height, ib.Delta, ib.Subsidy)
	if err != nil {
		return fmt.Errorf("store: insert inflated block %s node=%d: %w", ib.Hash, ib.NodeID, err)
	}
	return nil
}

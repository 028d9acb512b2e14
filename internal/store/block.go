package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/twilight-project/forkscanner/pkg/models"
)

// GetBlock fetches a single block by hash, or nil if unknown.
func (s *Store) GetBlock(ctx context.Context, hash string) (*models.Block, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT hash, height, parent_hash, connected, first_seen_by, headers_only,
		       chainwork, txids, added_txids, omitted_txids, pool, coinbase_msg, total_fee
		FROM blocks WHERE hash = $1`, hash)
	b, err := scanBlock(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get block %s: %w", hash, err)
	}
	return b, nil
}

func scanBlock(row pgx.Row) (*models.Block, error) {
	var b models.Block
	if err := row.Scan(&b.Hash, &b.Height, &b.ParentHash, &b.Connected, &b.FirstSeenBy,
		&b.HeadersOnly, &b.Chainwork, &b.Txids, &b.AddedTxids, &b.OmittedTxids,
		&b.Pool, &b.CoinbaseMsg, &b.TotalFee); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpsertBlock inserts or updates a block row, preserving first_seen_by and
// the monotonic headers_only flag (spec §4.2: "upserts a block row
// (preserving the stored first_seen_by and monotonic headers_only)"). On
// insert it also flips connected = true on any existing row whose
// parent_hash equals this block's hash, in the same transaction (spec §3:
// "connected is recomputed on insertion of a child").
func (s *Store) UpsertBlock(ctx context.Context, b models.Block) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO blocks (hash, height, parent_hash, connected, first_seen_by,
			                     headers_only, chainwork, txids, added_txids, omitted_txids,
			                     pool, coinbase_msg, total_fee)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (hash) DO UPDATE SET
				height        = EXCLUDED.height,
				parent_hash   = EXCLUDED.parent_hash,
				connected     = blocks.connected OR EXCLUDED.connected,
				headers_only  = blocks.headers_only AND EXCLUDED.headers_only,
				chainwork     = EXCLUDED.chainwork,
				txids         = COALESCE(EXCLUDED.txids, blocks.txids),
				added_txids   = COALESCE(EXCLUDED.added_txids, blocks.added_txids),
				omitted_txids = COALESCE(EXCLUDED.omitted_txids, blocks.omitted_txids),
				pool          = COALESCE(EXCLUDED.pool, blocks.pool),
				coinbase_msg  = COALESCE(EXCLUDED.coinbase_msg, blocks.coinbase_msg),
				total_fee     = COALESCE(EXCLUDED.total_fee, blocks.total_fee)`,
			b.Hash, b.Height, b.ParentHash, b.Connected, b.FirstSeenBy, b.HeadersOnly,
			b.Chainwork, b.Txids, b.AddedTxids, b.OmittedTxids, b.Pool, b.CoinbaseMsg, b.TotalFee,
		)
		if err != nil {
			return fmt.Errorf("store: upsert block %s: %w", b.Hash, err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE blocks SET connected = TRUE WHERE parent_hash = $1 AND connected = FALSE`,
			b.Hash); err != nil {
			return fmt.Errorf("store: propagate connected for %s: %w", b.Hash, err)
		}
		return nil
	})
}

// Ancestors walks parent links from hash upward, up to limit rows (the
// ingestor's MAX_ANCESTRY_DEPTH cap, spec §4.2), using a recursive CTE
// since the store — not an in-memory graph — is the authoritative topology
// (spec §9).
func (s *Store) Ancestors(ctx context.Context, hash string, limit int) ([]models.Block, error) {
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE ancestry AS (
			SELECT hash, height, parent_hash, connected, first_seen_by, headers_only,
			       chainwork, txids, added_txids, omitted_txids, pool, coinbase_msg, total_fee, 0 AS depth
			FROM blocks WHERE hash = $1
			UNION ALL
			SELECT b.hash, b.height, b.parent_hash, b.connected, b.first_seen_by, b.headers_only,
			       b.chainwork, b.txids, b.added_txids, b.omitted_txids, b.pool, b.coinbase_msg, b.total_fee,
			       a.depth + 1
			FROM blocks b
			JOIN ancestry a ON b.hash = a.parent_hash
			WHERE a.depth < $2
		)
		SELECT hash, height, parent_hash, connected, first_seen_by, headers_only,
		       chainwork, txids, added_txids, omitted_txids, pool, coinbase_msg, total_fee
		FROM ancestry ORDER BY depth`, hash, limit)
	if err != nil {
		return nil, fmt.Errorf("store: ancestors of %s: %w", hash, err)
	}
	defer rows.Close()
	return collectBlocks(rows)
}

// Descendants walks child links from hash downward up to maxHeight,
// ordered by chainwork descending so the longest (highest-work) branch
// sorts first, as the stale-candidate analyzer needs (spec §4.7 "set
// children": "fetch descendants ordered by work").
func (s *Store) Descendants(ctx context.Context, hash string, maxHeight int64) ([]models.Block, error) {
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE descent AS (
			SELECT hash, height, parent_hash, connected, first_seen_by, headers_only,
			       chainwork, txids, added_txids, omitted_txids, pool, coinbase_msg, total_fee
			FROM blocks WHERE hash = $1
			UNION ALL
			SELECT b.hash, b.height, b.parent_hash, b.connected, b.first_seen_by, b.headers_only,
			       b.chainwork, b.txids, b.added_txids, b.omitted_txids, b.pool, b.coinbase_msg, b.total_fee
			FROM blocks b
			JOIN descent d ON b.parent_hash = d.hash
			WHERE b.height <= $2
		)
		SELECT hash, height, parent_hash, connected, first_seen_by, headers_only,
		       chainwork, txids, added_txids, omitted_txids, pool, coinbase_msg, total_fee
		FROM descent ORDER BY chainwork DESC, height DESC`, hash, maxHeight)
	if err != nil {
		return nil, fmt.Errorf("store: descendants of %s: %w", hash, err)
	}
	defer rows.Close()
	return collectBlocks(rows)
}

func collectBlocks(rows pgx.Rows) ([]models.Block, error) {
	var out []models.Block
	for rows.Next() {
		var b models.Block
		if err := rows.Scan(&b.Hash, &b.Height, &b.ParentHash, &b.Connected, &b.FirstSeenBy,
			&b.HeadersOnly, &b.Chainwork, &b.Txids, &b.AddedTxids, &b.OmittedTxids,
			&b.Pool, &b.CoinbaseMsg, &b.TotalFee); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// HeadersOnlyNearTip returns blocks with headers_only = true at height
// within windowBelow of the maximum observed height (spec §4.4: "Select all
// blocks with headers_only = true at height within 40 000 of the maximum").
func (s *Store) HeadersOnlyNearTip(ctx context.Context, windowBelow int64) ([]models.Block, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hash, height, parent_hash, connected, first_seen_by, headers_only,
		       chainwork, txids, added_txids, omitted_txids, pool, coinbase_msg, total_fee
		FROM blocks
		WHERE headers_only = TRUE
		  AND height >= (SELECT COALESCE(MAX(height), 0) FROM blocks) - $1
		ORDER BY height`, windowBelow)
	if err != nil {
		return nil, fmt.Errorf("store: headers-only near tip: %w", err)
	}
	defer rows.Close()
	return collectBlocks(rows)
}

// ClearHeadersOnly flips a block's headers_only flag off once its body has
// been fetched, and records the extra body-derived attributes in the same
// statement.
func (s *Store) ClearHeadersOnly(ctx context.Context, hash string, txids, addedTxids, omittedTxids []string, pool, coinbaseMsg string, totalFee int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE blocks SET headers_only = FALSE, txids = $2, added_txids = $3,
		       omitted_txids = $4, pool = $5, coinbase_msg = $6, total_fee = $7
		WHERE hash = $1`, hash, txids, addedTxids, omittedTxids, pool, coinbaseMsg, totalFee)
	if err != nil {
		return fmt.Errorf("store: clear headers_only %s: %w", hash, err)
	}
	return nil
}

// FindStaleCandidateHeights finds heights with more than one block where the
// preceding height has exactly one, the split-point grouping of spec §4.7
// ("find"): "heights > tip − STALE_WINDOW whose block count is > 1 and whose
// height−1 has exactly 1 block".
func (s *Store) FindStaleCandidateHeights(ctx context.Context, sinceHeight int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		WITH counts AS (
			SELECT height, count(*) AS n FROM blocks WHERE height > $1 GROUP BY height
		)
		SELECT c.height FROM counts c
		JOIN counts prev ON prev.height = c.height - 1
		WHERE c.n > 1 AND prev.n = 1
		ORDER BY c.height`, sinceHeight)
	if err != nil {
		return nil, fmt.Errorf("store: find stale candidate heights: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// BlocksAtHeight returns every known block at the given height, the
// competing blocks a stale candidate's "set children" pass iterates.
func (s *Store) BlocksAtHeight(ctx context.Context, height int64) ([]models.Block, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hash, height, parent_hash, connected, first_seen_by, headers_only,
		       chainwork, txids, added_txids, omitted_txids, pool, coinbase_msg, total_fee
		FROM blocks WHERE height = $1 ORDER BY hash`, height)
	if err != nil {
		return nil, fmt.Errorf("store: blocks at height %d: %w", height, err)
	}
	defer rows.Close()
	return collectBlocks(rows)
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/twilight-project/forkscanner/pkg/models"
)

// UpsertTransaction persists one indexed transaction, including its input
// and output vectors as jsonb so the stale-candidate analyzer can later
// rebuild per-input prevout keys and compare output scripts (spec §4.7,
// §4.8).
func (s *Store) UpsertTransaction(ctx context.Context, t models.Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (block_hash, txid, coinbase, raw, output_sum, address, swept, inputs, outputs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (block_hash, txid) DO UPDATE SET
			output_sum = EXCLUDED.output_sum, address = EXCLUDED.address, swept = EXCLUDED.swept,
			inputs = EXCLUDED.inputs, outputs = EXCLUDED.outputs`,
		t.BlockHash, t.Txid, t.Coinbase, t.Raw, t.OutputSum, t.Address, t.Swept, t.Inputs, t.Outputs)
	if err != nil {
		return fmt.Errorf("store: upsert transaction %s: %w", t.Txid, err)
	}
	return nil
}

// ListWatched returns every address still under observation (spec §3:
// "an address plus the UTC instant until which activity is to be
// surfaced").
func (s *Store) ListWatched(ctx context.Context, now time.Time) ([]models.Watched, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, until FROM watched WHERE until > $1`, now)
	if err != nil {
		return nil, fmt.Errorf("store: list watched: %w", err)
	}
	defer rows.Close()

	var out []models.Watched
	for rows.Next() {
		var w models.Watched
		if err := rows.Scan(&w.Address, &w.Until); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpsertWatched adds or extends a watched address.
func (s *Store) UpsertWatched(ctx context.Context, address string, until time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watched (address, until) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET until = EXCLUDED.until`, address, until)
	if err != nil {
		return fmt.Errorf("store: upsert watched %s: %w", address, err)
	}
	return nil
}

// TransactionsByAddress returns every indexed transaction touching address,
// the set the watch-list matcher emits at the end of a pass (spec §4.8).
func (s *Store) TransactionsByAddress(ctx context.Context, address string) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT block_hash, txid, coinbase, raw, output_sum, address, swept, inputs, outputs
		FROM transactions WHERE address = $1`, address)
	if err != nil {
		return nil, fmt.Errorf("store: transactions by address %s: %w", address, err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.BlockHash, &t.Txid, &t.Coinbase, &t.Raw, &t.OutputSum, &t.Address, &t.Swept, &t.Inputs, &t.Outputs); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransactionsInBranch returns every transaction recorded against the given
// set of block hashes, used by the stale-candidate analyzer to collect a
// branch's txid set (spec §4.7 step 3).
func (s *Store) TransactionsInBranch(ctx context.Context, blockHashes []string) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT block_hash, txid, coinbase, raw, output_sum, address, swept, inputs, outputs
		FROM transactions WHERE block_hash = ANY($1)`, blockHashes)
	if err != nil {
		return nil, fmt.Errorf("store: transactions in branch: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.BlockHash, &t.Txid, &t.Coinbase, &t.Raw, &t.OutputSum, &t.Address, &t.Swept, &t.Inputs, &t.Outputs); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

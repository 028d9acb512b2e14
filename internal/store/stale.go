package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/twilight-project/forkscanner/pkg/models"
)

// InsertStaleCandidate creates a StaleCandidate row at height, a no-op on
// conflict (spec §4.7 step 1: "Create a StaleCandidate at that height
// (no-op on conflict)").
func (s *Store) InsertStaleCandidate(ctx context.Context, height int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stale_candidates (height) VALUES ($1)
		ON CONFLICT (height) DO NOTHING`, height)
	if err != nil {
		return fmt.Errorf("store: insert stale candidate height=%d: %w", height, err)
	}
	return nil
}

// StaleCandidatesNeedingWork returns candidates where children are missing,
// processing is unset, or the candidate is still within doubleSpendRange of
// tipHeight — the repeat condition of spec §4.7's closing paragraph.
func (s *Store) StaleCandidatesNeedingWork(ctx context.Context, tipHeight, doubleSpendRange int64) ([]models.StaleCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sc.height, sc.n_children, sc.confirmed_in_one, sc.double_spent_amount,
		       sc.rbf_amount, sc.height_processed, sc.created_at
		FROM stale_candidates sc
		LEFT JOIN (
			SELECT candidate_height, count(*) AS n FROM stale_candidate_children GROUP BY candidate_height
		) c ON c.candidate_height = sc.height
		WHERE COALESCE(c.n, 0) = 0
		   OR sc.height_processed IS NULL
		   OR sc.height >= $1 - $2
		ORDER BY sc.height`, tipHeight, doubleSpendRange)
	if err != nil {
		return nil, fmt.Errorf("store: stale candidates needing work: %w", err)
	}
	defer rows.Close()

	var out []models.StaleCandidate
	for rows.Next() {
		var c models.StaleCandidate
		if err := rows.Scan(&c.Height, &c.NChildren, &c.ConfirmedInOne, &c.DoubleSpentAmount,
			&c.RBFAmount, &c.HeightProcessed, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceStaleCandidateChildren deletes and reinserts the descendant-branch
// rows for a candidate (spec §4.7 step 2: "set children").
func (s *Store) ReplaceStaleCandidateChildren(ctx context.Context, height int64, children []models.StaleCandidateChild) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM stale_candidate_children WHERE candidate_height = $1`, height); err != nil {
			return fmt.Errorf("store: clear stale children height=%d: %w", height, err)
		}
		for _, c := range children {
			if _, err := tx.Exec(ctx, `
				INSERT INTO stale_candidate_children (candidate_height, root_hash, tip_hash, length)
				VALUES ($1, $2, $3, $4)`, height, c.RootHash, c.TipHash, c.Length); err != nil {
				return fmt.Errorf("store: insert stale child height=%d root=%s: %w", height, c.RootHash, err)
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE stale_candidates SET n_children = $2 WHERE height = $1`, height, len(children)); err != nil {
			return fmt.Errorf("store: update n_children height=%d: %w", height, err)
		}
		return nil
	})
}

// SetConflictingTxs stores the double-spend/RBF totals and txid lists for a
// candidate and stamps height_processed (spec §4.7 step 3).
func (s *Store) SetConflictingTxs(ctx context.Context, height int64, confirmedInOne, doubleSpent, rbf int64, doubleSpentTxids, rbfTxids []string, tipHeight int64) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE stale_candidates SET confirmed_in_one = $2, double_spent_amount = $3,
			       rbf_amount = $4, height_processed = $5
			WHERE height = $1`, height, confirmedInOne, doubleSpent, rbf, tipHeight); err != nil {
			return fmt.Errorf("store: update stale candidate totals height=%d: %w", height, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM double_spent_by WHERE candidate_height = $1`, height); err != nil {
			return err
		}
		for _, txid := range doubleSpentTxids {
			if _, err := tx.Exec(ctx, `
				INSERT INTO double_spent_by (candidate_height, txid) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, height, txid); err != nil {
				return fmt.Errorf("store: insert double_spent_by height=%d txid=%s: %w", height, txid, err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM rbf_by WHERE candidate_height = $1`, height); err != nil {
			return err
		}
		for _, txid := range rbfTxids {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rbf_by (candidate_height, txid) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, height, txid); err != nil {
				return fmt.Errorf("store: insert rbf_by height=%d txid=%s: %w", height, txid, err)
			}
		}
		return nil
	})
}

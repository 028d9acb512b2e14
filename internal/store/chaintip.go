package store

import (
	"context"
	"fmt"

	"github.com/twilight-project/forkscanner/pkg/models"
)

// PurgeNonActive deletes every chaintip row whose status is not active, the
// start-of-pass step spec §4.3 requires before any chaintip write.
func (s *Store) PurgeNonActive(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chaintips WHERE status <> 'active'`)
	if err != nil {
		return fmt.Errorf("store: purge non-active chaintips: %w", err)
	}
	return nil
}

// UpsertActiveTip replaces a node's single active chaintip row. If the
// block hash changed, any row referencing the old one as parent_chaintip is
// nulled out first (spec §4.3: "if the hash changed, null out any row
// referencing it as parent").
func (s *Store) UpsertActiveTip(ctx context.Context, nodeID int64, block string, height int64) (int64, error) {
	var oldID int64
	var oldBlock string
	err := s.pool.QueryRow(ctx, `
		SELECT id, block FROM chaintips WHERE node_id = $1 AND status = 'active'`, nodeID,
	).Scan(&oldID, &oldBlock)
	if err == nil && oldBlock != block {
		if _, err := s.pool.Exec(ctx, `
			UPDATE chaintips SET parent_chaintip = NULL WHERE parent_chaintip = $1`, oldID); err != nil {
			return 0, fmt.Errorf("store: null parent_chaintip refs to %d: %w", oldID, err)
		}
	}

	var id int64
	upsertErr := s.pool.QueryRow(ctx, `
		INSERT INTO chaintips (node_id, status, block, height)
		VALUES ($1, 'active', $2, $3)
		ON CONFLICT (node_id) WHERE status = 'active' DO UPDATE SET
			block = EXCLUDED.block, height = EXCLUDED.height
		RETURNING id`, nodeID, block, height).Scan(&id)
	if upsertErr != nil {
		return 0, fmt.Errorf("store: upsert active tip node=%d: %w", nodeID, upsertErr)
	}
	return id, nil
}

// InsertFreshTip inserts a new non-active chaintip row (valid-fork or
// invalid, spec §4.3's classification table); these are never updated, only
// purged and reinserted each pass.
func (s *Store) InsertFreshTip(ctx context.Context, nodeID int64, status models.ChaintipStatus, block string, height int64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chaintips (node_id, status, block, height)
		VALUES ($1, $2, $3, $4) RETURNING id`, nodeID, status, block, height).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert fresh tip node=%d: %w", nodeID, err)
	}
	return id, nil
}

// ActiveTips returns every node's current active chaintip, the population
// the cross-node linking pass (spec §4.3) iterates.
func (s *Store) ActiveTips(ctx context.Context) ([]models.Chaintip, error) {
	return s.queryChaintips(ctx, `
		SELECT id, node_id, status, block, height, parent_chaintip
		FROM chaintips WHERE status = 'active' ORDER BY id`)
}

// ActiveTipsOtherThan returns active tips belonging to nodes other than
// excludeNodeID with height strictly less than maxHeight and no parent yet
// assigned — the match-children candidate set of spec §4.3 step 1.
func (s *Store) ActiveTipsOtherThan(ctx context.Context, excludeNodeID int64, maxHeight int64) ([]models.Chaintip, error) {
	return s.queryChaintips(ctx, `
		SELECT id, node_id, status, block, height, parent_chaintip
		FROM chaintips
		WHERE status = 'active' AND node_id <> $1 AND height < $2 AND parent_chaintip IS NULL
		ORDER BY id`, excludeNodeID, maxHeight)
}

// ActiveTipsTaller returns active tips with height strictly greater than
// minHeight, the match-parent candidate set of spec §4.3 step 3.
func (s *Store) ActiveTipsTaller(ctx context.Context, minHeight int64) ([]models.Chaintip, error) {
	return s.queryChaintips(ctx, `
		SELECT id, node_id, status, block, height, parent_chaintip
		FROM chaintips WHERE status = 'active' AND height > $1 ORDER BY id`, minHeight)
}

// InvalidTipsTaller returns invalid chaintips with height strictly greater
// than minHeight, the check-parent candidate set of spec §4.3 step 2.
func (s *Store) InvalidTipsTaller(ctx context.Context, minHeight int64) ([]models.Chaintip, error) {
	return s.queryChaintips(ctx, `
		SELECT id, node_id, status, block, height, parent_chaintip
		FROM chaintips WHERE status = 'invalid' AND height > $1 ORDER BY id`, minHeight)
}

// InvalidChaintipForHash reports whether any node has a chaintip row marked
// invalid for block, independent of which node reported it — the cross-node
// check original_source's Chaintip::get_invalid makes inside match_parent,
// distinct from IsMarkedInvalidBy's node-scoped invalid_blocks lookup.
func (s *Store) InvalidChaintipForHash(ctx context.Context, block string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM chaintips WHERE status = 'invalid' AND block = $1)`, block,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: invalid chaintip for hash %s: %w", block, err)
	}
	return exists, nil
}

// SetParentChaintip sets (or clears, when parent is nil) a chaintip's
// parent_chaintip reference.
func (s *Store) SetParentChaintip(ctx context.Context, chaintipID int64, parent *int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE chaintips SET parent_chaintip = $2 WHERE id = $1`, chaintipID, parent)
	if err != nil {
		return fmt.Errorf("store: set parent_chaintip %d: %w", chaintipID, err)
	}
	return nil
}

func (s *Store) queryChaintips(ctx context.Context, sql string, args ...any) ([]models.Chaintip, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query chaintips: %w", err)
	}
	defer rows.Close()

	var out []models.Chaintip
	for rows.Next() {
		var c models.Chaintip
		if err := rows.Scan(&c.ID, &c.NodeID, &c.Status, &c.Block, &c.Height, &c.ParentChaintip); err != nil {
			return nil, fmt.Errorf("store: scan chaintip: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

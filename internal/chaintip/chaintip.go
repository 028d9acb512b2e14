// Package chaintip reconciles each node's reported chain tips against the
// store (spec §4.3). Grounded on original_source/src/scanner.rs's
// process_client/match_children/check_parent/match_parent and
// src/models.rs's Chaintip::purge/set_active_tip/set_invalid_fork/
// set_valid_fork, transcribed from Diesel query-builder calls into pgx raw
// SQL the way the teacher writes its own store layer.
package chaintip

import (
	"context"
	"fmt"
	"log"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/twilight-project/forkscanner/internal/ingest"
	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/internal/poolfeed"
	"github.com/twilight-project/forkscanner/internal/store"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// Store is the subset of *store.Store the reconciler needs.
type Store interface {
	ingest.Store
	PurgeNonActive(ctx context.Context) error
	UpsertActiveTip(ctx context.Context, nodeID int64, block string, height int64) (int64, error)
	InsertFreshTip(ctx context.Context, nodeID int64, status models.ChaintipStatus, block string, height int64) (int64, error)
	MarkInvalid(ctx context.Context, hash string, nodeID int64) error
	MarkValid(ctx context.Context, hash string, nodeID int64) error
	IsMarkedInvalid(ctx context.Context, hash string) (bool, error)
	IsMarkedInvalidBy(ctx context.Context, hash string, nodeID int64) (bool, error)
	InvalidChaintipForHash(ctx context.Context, block string) (bool, error)
	ActiveTips(ctx context.Context) ([]models.Chaintip, error)
	ActiveTipsOtherThan(ctx context.Context, excludeNodeID int64, maxHeight int64) ([]models.Chaintip, error)
	ActiveTipsTaller(ctx context.Context, minHeight int64) ([]models.Chaintip, error)
	InvalidTipsTaller(ctx context.Context, minHeight int64) ([]models.Chaintip, error)
	SetParentChaintip(ctx context.Context, chaintipID int64, parent *int64) error
}

var _ Store = (*store.Store)(nil)

// Reconcile purges non-active chaintips, classifies and persists every tip
// reported by every node, then runs cross-node linking. It is the single
// entry point the engine calls once per pass (spec §4.3/§5: purge before
// any chaintip write, cross-node linking strictly after all per-node
// ingestion).
func Reconcile(ctx context.Context, st Store, feed *poolfeed.Feed, entries []*node.PoolEntry) error {
	if err := st.PurgeNonActive(ctx); err != nil {
		return fmt.Errorf("chaintip: purge: %w", err)
	}

	for _, e := range entries {
		processNode(ctx, st, feed, e.Primary, e.Node)
	}

	for _, e := range entries {
		if err := linkNode(ctx, st, e.Node.ID); err != nil {
			log.Printf("[chaintip] node=%d link: %v", e.Node.ID, err)
		}
	}
	return nil
}

// processNode classifies and persists every tip one node reports, per the
// status table in spec §4.3.
func processNode(ctx context.Context, st Store, feed *poolfeed.Feed, client node.NodeClient, n models.Node) {
	tips, err := client.GetChainTips()
	if err != nil {
		log.Printf("[chaintip] node=%d get chain tips: %v", n.ID, err)
		return
	}

	for _, tip := range tips {
		hash := tip.Hash
		height := tip.Height

		switch btcjson.GetChainTipsResultStatus(tip.Status) {
		case btcjson.GCTVHeadersOnly, btcjson.GCTVValidHeaders:
			if err := ingest.Ingest(ctx, st, feed, client, n.ID, hash, true); err != nil {
				log.Printf("[chaintip] node=%d ingest headers %s: %v", n.ID, hash, err)
			}

		case btcjson.GCTVInvalid:
			if _, err := st.InsertFreshTip(ctx, n.ID, models.StatusInvalid, hash, height); err != nil {
				log.Printf("[chaintip] node=%d insert invalid tip %s: %v", n.ID, hash, err)
				continue
			}
			if err := ingest.Ingest(ctx, st, feed, client, n.ID, hash, false); err != nil {
				log.Printf("[chaintip] node=%d ingest invalid %s: %v", n.ID, hash, err)
				continue
			}
			if err := st.MarkInvalid(ctx, hash, n.ID); err != nil {
				log.Printf("[chaintip] node=%d mark invalid %s: %v", n.ID, hash, err)
			}

		case btcjson.GCTVValidFork:
			if _, err := st.InsertFreshTip(ctx, n.ID, models.StatusValidFork, hash, height); err != nil {
				log.Printf("[chaintip] node=%d insert valid-fork tip %s: %v", n.ID, hash, err)
				continue
			}
			if err := ingest.Ingest(ctx, st, feed, client, n.ID, hash, false); err != nil {
				log.Printf("[chaintip] node=%d ingest valid-fork %s: %v", n.ID, hash, err)
				continue
			}
			if err := st.MarkValid(ctx, hash, n.ID); err != nil {
				log.Printf("[chaintip] node=%d mark valid %s: %v", n.ID, hash, err)
			}

		case btcjson.GCTVActive:
			if _, err := st.UpsertActiveTip(ctx, n.ID, hash, height); err != nil {
				log.Printf("[chaintip] node=%d upsert active tip %s: %v", n.ID, hash, err)
				continue
			}
			if err := ingest.Ingest(ctx, st, feed, client, n.ID, hash, false); err != nil {
				log.Printf("[chaintip] node=%d ingest active %s: %v", n.ID, hash, err)
				continue
			}
			if err := st.MarkValid(ctx, hash, n.ID); err != nil {
				log.Printf("[chaintip] node=%d mark valid %s: %v", n.ID, hash, err)
			}
		}
	}
}

// linkNode runs the three cross-node linking passes against nodeID's
// current active tip (spec §4.3 "Cross-node linking").
func linkNode(ctx context.Context, st Store, nodeID int64) error {
	active, err := st.ActiveTips(ctx)
	if err != nil {
		return fmt.Errorf("list active tips: %w", err)
	}

	var tip *models.Chaintip
	for i := range active {
		if active[i].NodeID == nodeID {
			tip = &active[i]
			break
		}
	}
	if tip == nil {
		return nil
	}

	if err := matchChildren(ctx, st, *tip); err != nil {
		return fmt.Errorf("match_children: %w", err)
	}
	if err := checkParent(ctx, st, tip); err != nil {
		return fmt.Errorf("check_parent: %w", err)
	}
	if err := matchParent(ctx, st, tip, nodeID); err != nil {
		return fmt.Errorf("match_parent: %w", err)
	}
	return nil
}

// matchChildren is spec §4.3 step 1: for every other active tip shorter
// than tip with no parent yet, walk tip's ancestry downward; if it reaches
// the candidate's block (with no invalid mark along the way), the
// candidate's parent becomes tip.
func matchChildren(ctx context.Context, st Store, tip models.Chaintip) error {
	candidates, err := st.ActiveTipsOtherThan(ctx, tip.NodeID, tip.Height)
	if err != nil {
		return err
	}

	for _, candidate := range candidates {
		if candidate.ParentChaintip != nil {
			continue
		}

		block, err := st.GetBlock(ctx, tip.Block)
		if err != nil || block == nil {
			continue
		}

		for {
			invalid, err := st.IsMarkedInvalid(ctx, block.Hash)
			if err != nil || invalid {
				break
			}

			if block.Hash == candidate.Block {
				parent := tip.ID
				if err := st.SetParentChaintip(ctx, candidate.ID, &parent); err != nil {
					log.Printf("[chaintip] set parent_chaintip %d: %v", candidate.ID, err)
				}
				break
			}

			if block.ParentHash == nil || block.Height == candidate.Height {
				break
			}
			next, err := st.GetBlock(ctx, *block.ParentHash)
			if err != nil || next == nil {
				break
			}
			block = next
		}
	}
	return nil
}

// checkParent is spec §4.3 step 2: if tip already has a parent, walk the
// ancestry of every invalid tip taller than tip; if tip's block appears
// there, clear tip's parent.
func checkParent(ctx context.Context, st Store, tip *models.Chaintip) error {
	if tip.ParentChaintip == nil {
		return nil
	}

	candidates, err := st.InvalidTipsTaller(ctx, tip.Height)
	if err != nil {
		return err
	}

	for _, candidate := range candidates {
		block, err := st.GetBlock(ctx, candidate.Block)
		if err != nil || block == nil {
			continue
		}

		for {
			if tip.Block == block.Hash {
				if err := st.SetParentChaintip(ctx, tip.ID, nil); err != nil {
					log.Printf("[chaintip] clear parent_chaintip %d: %v", tip.ID, err)
				}
				tip.ParentChaintip = nil
				return nil
			}

			if block.ParentHash == nil || block.Height == tip.Height {
				break
			}
			next, err := st.GetBlock(ctx, *block.ParentHash)
			if err != nil || next == nil {
				break
			}
			block = next
		}
	}
	return nil
}

// matchParent is spec §4.3 step 3: if tip has no parent, walk ancestors of
// every active tip taller than tip; the first whose ancestry contains
// tip.Block and carries no invalid mark — by nodeID, or by any node's
// chaintip row — becomes tip's parent.
func matchParent(ctx context.Context, st Store, tip *models.Chaintip, nodeID int64) error {
	if tip.ParentChaintip != nil {
		return nil
	}

	candidates, err := st.ActiveTipsTaller(ctx, tip.Height)
	if err != nil {
		return err
	}

	for _, candidate := range candidates {
		block, err := st.GetBlock(ctx, candidate.Block)
		if err != nil || block == nil {
			continue
		}

		for {
			invalidByNode, err := st.IsMarkedInvalidBy(ctx, block.Hash, nodeID)
			if err != nil {
				break
			}
			invalidChaintip, err := st.InvalidChaintipForHash(ctx, block.Hash)
			if err != nil {
				break
			}
			if invalidByNode || invalidChaintip {
				break
			}

			if block.Hash == tip.Block {
				parent := candidate.ID
				if err := st.SetParentChaintip(ctx, tip.ID, &parent); err != nil {
					log.Printf("[chaintip] set parent_chaintip %d: %v", tip.ID, err)
				}
				return nil
			}

			if block.ParentHash == nil || block.Height == tip.Height {
				break
			}
			next, err := st.GetBlock(ctx, *block.ParentHash)
			if err != nil || next == nil {
				break
			}
			block = next
		}
	}
	return nil
}

// Package inflation runs the per-mirror supply-inflation check (spec
// §4.6), fanning out one bounded worker per reachable, non-IBD mirror via
// golang.org/x/sync/errgroup, each with its own store connection, per
// spec §5's concurrency model.
package inflation

import (
	"context"
	"fmt"
	"log"

	"github.com/btcsuite/btcd/btcutil"
	"golang.org/x/sync/errgroup"

	"github.com/twilight-project/forkscanner/internal/chainparams"
	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/internal/rollback"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// MaxBlockDepth bounds how far back from the mirror's current tip the
// checker walks parents looking for missing TxOutset snapshots (spec §4.6).
const MaxBlockDepth = rollback.MaxBlockDepth

// ReachabilityReprobeInterval is a 10-minute interval in seconds. No code
// references it: Check skips a mirror while its node is marked unreachable,
// and the engine probes every node's reachability on every pass with no
// minimum interval between probes.
const ReachabilityReprobeInterval = 10 * 60 // seconds

// StoreFactory returns the store handle one worker uses. The engine's
// factory returns its one shared *store.Store, so workers share a single
// pgx pool that lends a connection per query; no worker holds a dedicated
// connection.
type StoreFactory func() Store

// Store is the subset of per-worker store access the checker needs.
type Store interface {
	TxOutsetFor(ctx context.Context, blockHash string, nodeID int64) (*models.TxOutset, error)
	PriorTxOutset(ctx context.Context, nodeID int64, height int64) (*models.TxOutset, error)
	UpsertTxOutset(ctx context.Context, t models.TxOutset) error
	InsertInflatedBlock(ctx context.Context, ib models.InflatedBlock) error
	GetBlock(ctx context.Context, hash string) (*models.Block, error)
	Ancestors(ctx context.Context, hash string, limit int) ([]models.Block, error)
	MarkValid(ctx context.Context, hash string, nodeID int64) error
	MarkInvalid(ctx context.Context, hash string, nodeID int64) error
}

// Mirror describes one pool entry the checker may run against.
type Mirror struct {
	NodeID  int64
	Client  node.NodeClient
	InIBD   bool
	Unreach bool
}

// Check fans out one worker per eligible mirror (reachable, not in IBD) on
// a bounded pool (spec §4.6/§5). Each worker logs its own error and returns
// nil, so one mirror's failure neither cancels its siblings nor reaches the
// caller, and Check returns nil.
func Check(ctx context.Context, newStore StoreFactory, mirrors []Mirror, maxWorkers int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for _, m := range mirrors {
		m := m
		if m.Unreach || m.InIBD {
			continue
		}
		g.Go(func() error {
			st := newStore()
			if err := checkMirror(gctx, st, m); err != nil {
				log.Printf("[inflation] node=%d: %v", m.NodeID, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// checkMirror walks the mirror's active tip backward while no TxOutset
// snapshot exists for a block, activating each such block via the §4.5
// procedure, querying gettxoutsetinfo, and comparing against the prior
// snapshot (spec §4.6).
func checkMirror(ctx context.Context, st Store, m Mirror) error {
	info, err := m.Client.GetBlockChainInfo()
	if err != nil {
		return fmt.Errorf("get blockchain info: %w", err)
	}

	ancestry, err := st.Ancestors(ctx, info.BestBlockHash, MaxBlockDepth)
	if err != nil {
		return fmt.Errorf("ancestors of %s: %w", info.BestBlockHash, err)
	}

	var pending []models.Block
	for _, b := range ancestry {
		existing, err := st.TxOutsetFor(ctx, b.Hash, m.NodeID)
		if err != nil {
			return fmt.Errorf("tx outset for %s: %w", b.Hash, err)
		}
		if existing != nil {
			break
		}
		pending = append(pending, b)
	}

	for i := len(pending) - 1; i >= 0; i-- {
		if err := checkBlock(ctx, st, m, pending[i]); err != nil {
			log.Printf("[inflation] node=%d block=%s: %v", m.NodeID, pending[i].Hash, err)
		}
	}
	return nil
}

func checkBlock(ctx context.Context, st Store, m Mirror, b models.Block) error {
	invalidated, actErr := rollback.Activate(ctx, st, m.Client, b.Hash)
	defer func() {
		if undoErr := rollback.Undo(m.Client, invalidated); undoErr != nil {
			log.Printf("[inflation] undo rollback for %s: %v", b.Hash, undoErr)
		}
	}()
	if actErr != nil {
		return fmt.Errorf("activate %s: %w", b.Hash, actErr)
	}

	outset, err := m.Client.GetTxOutSetInfo()
	if err != nil {
		return fmt.Errorf("gettxoutsetinfo at %s: %w", b.Hash, err)
	}

	totalAmt, err := btcutil.NewAmount(outset.TotalAmount)
	if err != nil {
		return fmt.Errorf("gettxoutsetinfo total amount at %s: %w", b.Hash, err)
	}
	total := int64(totalAmt)
	row := models.TxOutset{
		BlockHash: b.Hash,
		NodeID:    m.NodeID,
		TxOutsCnt: outset.Txouts,
		Total:     total,
	}

	prior, err := st.PriorTxOutset(ctx, m.NodeID, b.Height)
	if err != nil {
		return fmt.Errorf("prior tx outset: %w", err)
	}

	if prior != nil {
		delta := total - prior.Total
		subsidy := chainparams.MaxBlockSubsidy(b.Height)
		if delta > subsidy {
			row.Inflated = true
			if err := st.InsertInflatedBlock(ctx, models.InflatedBlock{
				Hash: b.Hash, NodeID: m.NodeID, Height: b.Height, Delta: delta, Subsidy: subsidy,
			}); err != nil {
				return fmt.Errorf("insert inflated block: %w", err)
			}
		}
	}

	if err := st.UpsertTxOutset(ctx, row); err != nil {
		return fmt.Errorf("upsert tx outset: %w", err)
	}
	return nil
}

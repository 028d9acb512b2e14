// Package engine runs the scanner's single control loop (spec §2/§5): one
// pass per ~10s tick, single-threaded cooperative at the top level, with
// the inflation checker as the only concurrency inside a pass. Grounded on
// original_source/src/scanner.rs's ForkScanner::run (purge → per-client
// process → per-node link), extended with the components that file never
// wired (missing-block, rollback, inflation, stale, indexing, dispatch,
// command), and on the teacher's cmd/engine/main.go for the
// ticker/context-cancellation shape.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/twilight-project/forkscanner/internal/chaintip"
	"github.com/twilight-project/forkscanner/internal/command"
	"github.com/twilight-project/forkscanner/internal/dispatch"
	"github.com/twilight-project/forkscanner/internal/inflation"
	"github.com/twilight-project/forkscanner/internal/lag"
	"github.com/twilight-project/forkscanner/internal/missingblock"
	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/internal/poolfeed"
	"github.com/twilight-project/forkscanner/internal/rollback"
	"github.com/twilight-project/forkscanner/internal/stale"
	"github.com/twilight-project/forkscanner/internal/store"
	"github.com/twilight-project/forkscanner/internal/txindex"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// PassInterval is the control loop's cadence (spec §2: "~10 s cadence").
const PassInterval = 10 * time.Second

// InflationWorkers bounds the inflation checker's worker pool (spec §5:
// "bounded worker pool").
const InflationWorkers = 4

// RollbackDepth bounds the rollback validator's candidate search (spec
// §4.5's MAX_BLOCK_DEPTH, shared with the other mirror procedures).
const RollbackDepth = rollback.MaxBlockDepth

// Store is everything the engine needs beyond the narrower interfaces its
// sub-packages already define. Satisfied by *store.Store.
type Store interface {
	chaintip.Store
	missingblock.Store
	rollback.Store
	inflation.Store
	stale.Store
	txindex.Store
	lag.Store

	ListNodes(ctx context.Context) ([]models.Node, error)
	SetInIBD(ctx context.Context, id int64, inIBD bool) error
	MarkReachable(ctx context.Context, id int64) error
	MarkUnreachable(ctx context.Context, id int64) error
	UpsertBlockTemplate(ctx context.Context, bt models.BlockTemplate) error
	ReplacePeers(ctx context.Context, nodeID int64, peers []models.Peer) error
	IsMarkedValidBy(ctx context.Context, hash string, nodeID int64) (bool, error)
	IsMarkedInvalidBy(ctx context.Context, hash string, nodeID int64) (bool, error)
	ActiveTips(ctx context.Context) ([]models.Chaintip, error)
}

var _ Store = (*store.Store)(nil)

// Engine wires every component into the one control loop the spec
// describes (spec §2).
type Engine struct {
	st       Store
	pool     *node.Pool
	feed     *poolfeed.Feed
	hub      *dispatch.Hub
	cmds     *command.Queue
	interval time.Duration
}

// New constructs an Engine ready to Run, ticking at PassInterval.
func New(st Store, pool *node.Pool, feed *poolfeed.Feed, hub *dispatch.Hub, cmds *command.Queue) *Engine {
	return &Engine{st: st, pool: pool, feed: feed, hub: hub, cmds: cmds, interval: PassInterval}
}

// SetInterval overrides the default pass interval. d <= 0 is ignored.
func (e *Engine) SetInterval(d time.Duration) {
	if d > 0 {
		e.interval = d
	}
}

// Run ticks Pass every interval until ctx is cancelled. The stop signal is
// observed only between passes, never mid-pass (spec §5: "Cancellation:
// none at event granularity... A stop signal is observed only between
// passes").
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.Pass(ctx); err != nil {
			log.Printf("[engine] pass error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Pass runs one full control-loop iteration, in the order spec §2 and
// §5's ordering guarantees require: pool-feed refresh and command drain
// first; per-node ingestion and mutation before any cross-node linking;
// missing-block fetch before rollback validation before inflation
// checking before stale-candidate analysis.
func (e *Engine) Pass(ctx context.Context) error {
	if e.feed != nil {
		e.feed.Refresh(ctx)
	}

	entries := e.pool.Entries()
	cmds := e.cmds.Drain()
	command.Process(ctx, e.st, e.clientFor(entries), e.hub, cmds)

	for _, entry := range entries {
		e.processNodeMeta(ctx, entry)
	}

	if err := chaintip.Reconcile(ctx, e.st, e.feed, entries); err != nil {
		return fmt.Errorf("engine: chaintip reconcile: %w", err)
	}

	e.indexActiveTips(ctx, entries)

	laggingNodes, err := lag.Compute(ctx, e.st)
	if err != nil {
		log.Printf("[engine] lag compute: %v", err)
	} else if len(laggingNodes) > 0 {
		e.hub.LaggingNodes(models.LaggingNodesPayload{NodeIDs: laggingNodes})
	}

	e.checkWatched(ctx)

	tipHeight, err := e.maxActiveHeight(ctx)
	if err != nil {
		log.Printf("[engine] max active height: %v", err)
	}

	if err := missingblock.Fetch(ctx, e.st, entries, func() int64 { return tipHeight }); err != nil {
		log.Printf("[engine] missing block fetch: %v", err)
	}

	e.runRollbackValidation(ctx, entries)

	if err := e.runInflation(ctx, entries); err != nil {
		log.Printf("[engine] inflation check: %v", err)
	}

	if err := stale.Analyze(ctx, e.st, tipHeight); err != nil {
		log.Printf("[engine] stale analyze: %v", err)
	}

	tips, err := e.st.ActiveTips(ctx)
	if err == nil {
		e.hub.AllChaintips(models.AllChaintipsPayload{Tips: tips})
	}

	return nil
}

// processNodeMeta refreshes one node's peer list, in-IBD flag, and block
// template (spec §2: "per node, update peer list and soft-fork info,
// fetch the current block template").
func (e *Engine) processNodeMeta(ctx context.Context, entry *node.PoolEntry) {
	info, err := entry.Primary.GetBlockChainInfo()
	if err != nil {
		if markErr := e.st.MarkUnreachable(ctx, entry.Node.ID); markErr != nil {
			log.Printf("[engine] mark unreachable node=%d: %v", entry.Node.ID, markErr)
		}
		now := time.Now()
		entry.Node.UnreachableSince = &now
		return
	}
	if err := e.st.MarkReachable(ctx, entry.Node.ID); err != nil {
		log.Printf("[engine] mark reachable node=%d: %v", entry.Node.ID, err)
	}
	entry.Node.UnreachableSince = nil

	inIBD := info.InitialBlockDownload
	if err := e.st.SetInIBD(ctx, entry.Node.ID, inIBD); err != nil {
		log.Printf("[engine] set in-ibd node=%d: %v", entry.Node.ID, err)
	}
	entry.Node.InIBD = inIBD

	peerInfos, err := entry.Primary.GetPeerInfo()
	if err != nil {
		log.Printf("[engine] get peer info node=%d: %v", entry.Node.ID, err)
	} else {
		peers := make([]models.Peer, 0, len(peerInfos))
		for _, p := range peerInfos {
			peers = append(peers, models.Peer{
				NodeID: entry.Node.ID, PeerID: int32(p.ID), Address: p.Addr, SubVersion: p.SubVer,
			})
		}
		if err := e.st.ReplacePeers(ctx, entry.Node.ID, peers); err != nil {
			log.Printf("[engine] replace peers node=%d: %v", entry.Node.ID, err)
		}
	}

	tmpl, err := entry.Primary.GetBlockTemplate([]string{"segwit"})
	if err != nil {
		log.Printf("[engine] get block template node=%d: %v", entry.Node.ID, err)
		return
	}
	bt := models.BlockTemplate{NodeID: entry.Node.ID, ParentHash: tmpl.PreviousHash, CapturedAt: time.Now()}
	lowest := -1.0
	for _, t := range tmpl.Transactions {
		feeRate := 0.0
		if t.Weight > 0 {
			feeRate = float64(t.Fee) / (float64(t.Weight) / 4)
		}
		bt.FeeTotal += t.Fee
		bt.Txs = append(bt.Txs, models.BlockTemplateTx{Txid: t.Hash, FeeRate: feeRate})
		if lowest < 0 || feeRate < lowest {
			lowest = feeRate
		}
	}
	if lowest >= 0 {
		bt.LowestFeeRate = lowest
	}
	if err := e.st.UpsertBlockTemplate(ctx, bt); err != nil {
		log.Printf("[engine] upsert block template node=%d: %v", entry.Node.ID, err)
	}
}

// checkWatched runs the transaction indexer's watch-list match and emits
// one WatchedAddress event per matched address (spec §4.8/§4.9).
func (e *Engine) checkWatched(ctx context.Context) {
	hits, err := txindex.CheckWatched(ctx, e.st, time.Now())
	if err != nil {
		log.Printf("[engine] check watched: %v", err)
		return
	}
	byAddress := make(map[string][]models.Transaction)
	for _, h := range hits {
		byAddress[h.Address] = append(byAddress[h.Address], h.Tx)
	}
	for addr, txs := range byAddress {
		e.hub.WatchedAddress(models.WatchedAddressPayload{Address: addr, Transactions: txs})
	}
}

// maxActiveHeight returns the tallest currently stored active tip, the
// reference point the missing-block fetcher and stale-candidate analyzer
// measure "near the tip" against.
func (e *Engine) maxActiveHeight(ctx context.Context) (int64, error) {
	tips, err := e.st.ActiveTips(ctx)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, t := range tips {
		if t.Height > max {
			max = t.Height
		}
	}
	return max, nil
}

// runRollbackValidation runs the §4.5 validator for every node that has a
// mirror, against the mirror's own valid-headers tips within RollbackDepth
// of its active tip that this node hasn't already resolved. Candidates come
// from the mirror's live GetChainTips(), never the store: a valid-headers
// tip is ingest-only per spec §4.3's classification table, so no chaintip
// row is ever persisted for that status.
func (e *Engine) runRollbackValidation(ctx context.Context, entries []*node.PoolEntry) {
	for _, entry := range entries {
		if entry.Mirror == nil {
			continue
		}

		info, err := entry.Mirror.GetBlockChainInfo()
		if err != nil {
			log.Printf("[engine] rollback: mirror blockchaininfo node=%d: %v", entry.Node.ID, err)
			continue
		}
		h, err := chainhash.NewHashFromStr(info.BestBlockHash)
		if err != nil {
			continue
		}
		header, err := entry.Mirror.GetBlockHeaderVerbose(h)
		if err != nil {
			continue
		}
		activeHeight := int64(header.Height)

		tips, err := entry.Mirror.GetChainTips()
		if err != nil {
			log.Printf("[engine] rollback: mirror chaintips node=%d: %v", entry.Node.ID, err)
			continue
		}

		var targets []string
		for _, tip := range tips {
			if btcjson.GetChainTipsResultStatus(tip.Status) != btcjson.GCTVValidHeaders {
				continue
			}
			if depth := tip.Height - activeHeight; depth > RollbackDepth || depth < -RollbackDepth {
				continue
			}

			validBy, _ := e.st.IsMarkedValidBy(ctx, tip.Hash, entry.Node.ID)
			invalidBy, _ := e.st.IsMarkedInvalidBy(ctx, tip.Hash, entry.Node.ID)
			if validBy || invalidBy {
				continue
			}
			targets = append(targets, tip.Hash)
		}
		if len(targets) == 0 {
			continue
		}

		if err := rollback.Validate(ctx, e.st, entry.Primary, entry.Mirror, entry.Node.ID, targets); err != nil {
			log.Printf("[engine] rollback validate node=%d: %v", entry.Node.ID, err)
		}
	}
}

// runInflation fans the §4.6 inflation checker out across every reachable,
// non-IBD mirror. Each worker gets the engine's own store handle:
// pgxpool.Pool already multiplexes physical connections per checked-out
// query, so one shared *store.Store satisfies "each worker holds its own
// store connection" without a second pool.
func (e *Engine) runInflation(ctx context.Context, entries []*node.PoolEntry) error {
	var mirrors []inflation.Mirror
	for _, entry := range entries {
		if entry.Mirror == nil {
			continue
		}
		mirrors = append(mirrors, inflation.Mirror{
			NodeID:  entry.Node.ID,
			Client:  entry.Mirror,
			InIBD:   entry.Node.InIBD,
			Unreach: entry.Node.UnreachableSince != nil,
		})
	}
	if len(mirrors) == 0 {
		return nil
	}
	return inflation.Check(ctx, func() inflation.Store { return e.st }, mirrors, InflationWorkers)
}

// clientFor resolves a node id to its primary client, for the command
// listener's SetTip activation (spec §4.10).
func (e *Engine) clientFor(entries []*node.PoolEntry) command.Clients {
	return func(nodeID int64) (node.NodeClient, bool) {
		for _, entry := range entries {
			if entry.Node.ID == nodeID {
				return entry.Primary, true
			}
		}
		return nil, false
	}
}

// indexActiveTips runs the transaction indexer over each node's current
// active tip block (spec §4.8). Re-indexing is idempotent
// (UpsertTransaction), so only the newest block per node is indexed each
// pass; its ancestors were already indexed when they were themselves the
// active tip.
func (e *Engine) indexActiveTips(ctx context.Context, entries []*node.PoolEntry) {
	archiveEntry := e.pool.ArchiveNode()
	var archiveClient node.NodeClient
	if archiveEntry != nil {
		archiveClient = archiveEntry.Primary
	}

	tips, err := e.st.ActiveTips(ctx)
	if err != nil {
		log.Printf("[engine] index active tips: list: %v", err)
		return
	}

	for _, tip := range tips {
		var client node.NodeClient
		for _, entry := range entries {
			if entry.Node.ID == tip.NodeID {
				client = entry.Primary
				break
			}
		}
		if client == nil {
			continue
		}
		if err := txindex.IndexBlock(ctx, e.st, client, archiveClient, tip.Block); err != nil {
			log.Printf("[engine] index block %s node=%d: %v", tip.Block, tip.NodeID, err)
		}
	}
}

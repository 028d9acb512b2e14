package engine

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/twilight-project/forkscanner/internal/command"
	"github.com/twilight-project/forkscanner/internal/dispatch"
	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/internal/poolfeed"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// fakeStore is a no-op implementation of the engine's composite Store
// interface: every query returns an empty result, every write succeeds.
// It exists to drive Pass end-to-end without a live Postgres instance.
type fakeStore struct{}

func (fakeStore) GetBlock(ctx context.Context, hash string) (*models.Block, error)    { return nil, nil }
func (fakeStore) UpsertBlock(ctx context.Context, b models.Block) error               { return nil }
func (fakeStore) ClearHeadersOnly(ctx context.Context, hash string, txids, addedTxids, omittedTxids []string, pool, coinbaseMsg string, totalFee int64) error {
	return nil
}
func (fakeStore) BlockTemplateTxids(ctx context.Context, nodeID int64, parentHash string) ([]string, error) {
	return nil, nil
}
func (fakeStore) PurgeNonActive(ctx context.Context) error { return nil }
func (fakeStore) UpsertActiveTip(ctx context.Context, nodeID int64, block string, height int64) (int64, error) {
	return 1, nil
}
func (fakeStore) InsertFreshTip(ctx context.Context, nodeID int64, status models.ChaintipStatus, block string, height int64) (int64, error) {
	return 1, nil
}
func (fakeStore) MarkInvalid(ctx context.Context, hash string, nodeID int64) error { return nil }
func (fakeStore) MarkValid(ctx context.Context, hash string, nodeID int64) error   { return nil }
func (fakeStore) IsMarkedInvalid(ctx context.Context, hash string) (bool, error)   { return false, nil }
func (fakeStore) IsMarkedInvalidBy(ctx context.Context, hash string, nodeID int64) (bool, error) {
	return false, nil
}
func (fakeStore) InvalidChaintipForHash(ctx context.Context, block string) (bool, error) {
	return false, nil
}
func (fakeStore) IsMarkedValidBy(ctx context.Context, hash string, nodeID int64) (bool, error) {
	return false, nil
}
func (fakeStore) ActiveTips(ctx context.Context) ([]models.Chaintip, error) { return nil, nil }
func (fakeStore) ActiveTipsOtherThan(ctx context.Context, excludeNodeID int64, maxHeight int64) ([]models.Chaintip, error) {
	return nil, nil
}
func (fakeStore) ActiveTipsTaller(ctx context.Context, minHeight int64) ([]models.Chaintip, error) {
	return nil, nil
}
func (fakeStore) InvalidTipsTaller(ctx context.Context, minHeight int64) ([]models.Chaintip, error) {
	return nil, nil
}
func (fakeStore) SetParentChaintip(ctx context.Context, chaintipID int64, parent *int64) error {
	return nil
}
func (fakeStore) HeadersOnlyNearTip(ctx context.Context, windowBelow int64) ([]models.Block, error) {
	return nil, nil
}
func (fakeStore) ReplacePeers(ctx context.Context, nodeID int64, peers []models.Peer) error {
	return nil
}
func (fakeStore) ListPeers(ctx context.Context, nodeID int64) ([]models.Peer, error) { return nil, nil }
func (fakeStore) TxOutsetFor(ctx context.Context, blockHash string, nodeID int64) (*models.TxOutset, error) {
	return nil, nil
}
func (fakeStore) PriorTxOutset(ctx context.Context, nodeID int64, height int64) (*models.TxOutset, error) {
	return nil, nil
}
func (fakeStore) UpsertTxOutset(ctx context.Context, t models.TxOutset) error             { return nil }
func (fakeStore) InsertInflatedBlock(ctx context.Context, ib models.InflatedBlock) error  { return nil }
func (fakeStore) Ancestors(ctx context.Context, hash string, limit int) ([]models.Block, error) {
	return nil, nil
}
func (fakeStore) FindStaleCandidateHeights(ctx context.Context, sinceHeight int64) ([]int64, error) {
	return nil, nil
}
func (fakeStore) InsertStaleCandidate(ctx context.Context, height int64) error { return nil }
func (fakeStore) BlocksAtHeight(ctx context.Context, height int64) ([]models.Block, error) {
	return nil, nil
}
func (fakeStore) Descendants(ctx context.Context, hash string, maxHeight int64) ([]models.Block, error) {
	return nil, nil
}
func (fakeStore) ReplaceStaleCandidateChildren(ctx context.Context, height int64, children []models.StaleCandidateChild) error {
	return nil
}
func (fakeStore) StaleCandidatesNeedingWork(ctx context.Context, tipHeight, doubleSpendRange int64) ([]models.StaleCandidate, error) {
	return nil, nil
}
func (fakeStore) StaleCandidateChildren(ctx context.Context, height int64) ([]models.StaleCandidateChild, error) {
	return nil, nil
}
func (fakeStore) TransactionsInBranch(ctx context.Context, blockHashes []string) ([]models.Transaction, error) {
	return nil, nil
}
func (fakeStore) SetConflictingTxs(ctx context.Context, height int64, confirmedInOne, doubleSpent, rbf int64, doubleSpentTxids, rbfTxids []string, tipHeight int64) error {
	return nil
}
func (fakeStore) UpsertTransaction(ctx context.Context, t models.Transaction) error { return nil }
func (fakeStore) ListWatched(ctx context.Context, now time.Time) ([]models.Watched, error) {
	return nil, nil
}
func (fakeStore) TransactionsByAddress(ctx context.Context, address string) ([]models.Transaction, error) {
	return nil, nil
}
func (fakeStore) RecordLag(ctx context.Context, nodeID int64) error { return nil }
func (fakeStore) ListNodes(ctx context.Context) ([]models.Node, error) { return nil, nil }
func (fakeStore) SetInIBD(ctx context.Context, id int64, inIBD bool) error    { return nil }
func (fakeStore) MarkReachable(ctx context.Context, id int64) error           { return nil }
func (fakeStore) MarkUnreachable(ctx context.Context, id int64) error         { return nil }
func (fakeStore) UpsertBlockTemplate(ctx context.Context, bt models.BlockTemplate) error {
	return nil
}

var _ Store = fakeStore{}

func newTestEngine() *Engine {
	primary := node.NewFakeClient()
	primary.ChainInfo = &btcjson.GetBlockChainInfoResult{BestBlockHash: "tip", InitialBlockDownload: false}
	pool := node.NewStaticPool([]*node.PoolEntry{{Node: models.Node{ID: 1, Archive: true}, Primary: primary}})

	return New(fakeStore{}, pool, poolfeed.New(""), dispatch.NewHub(), command.NewQueue())
}

func TestPassRunsEndToEndWithoutError(t *testing.T) {
	e := newTestEngine()
	if err := e.Pass(context.Background()); err != nil {
		t.Fatalf("Pass: %v", err)
	}
}

func TestSetIntervalOverridesDefault(t *testing.T) {
	e := newTestEngine()
	if e.interval != PassInterval {
		t.Fatalf("default interval = %v, want %v", e.interval, PassInterval)
	}
	e.SetInterval(5 * time.Second)
	if e.interval != 5*time.Second {
		t.Fatalf("interval after SetInterval = %v, want 5s", e.interval)
	}
	e.SetInterval(0)
	if e.interval != 5*time.Second {
		t.Fatal("SetInterval(0) should be ignored")
	}
}

func TestRunRollbackValidationUsesMirrorChainTipsNotStore(t *testing.T) {
	e := newTestEngine()

	const target = "1111111111111111111111111111111111111111111111111111111111111111"
	const farTip = "2222222222222222222222222222222222222222222222222222222222222222"

	primary := node.NewFakeClient()
	primary.BlockHex[target] = "deadbeef"

	mirror := node.NewFakeClient()
	mirror.ChainInfo = &btcjson.GetBlockChainInfoResult{BestBlockHash: target}
	mirror.Headers[target] = &btcjson.GetBlockHeaderVerboseResult{Hash: target, Height: 500}
	mirror.ChainTips = []btcjson.GetChainTipsResult{
		{Hash: target, Height: 500, Status: "valid-headers"},
		{Hash: farTip, Height: 500 + RollbackDepth + 1, Status: "valid-headers"},
		{Hash: "ignored-active", Height: 500, Status: "active"},
	}

	entries := []*node.PoolEntry{{Node: models.Node{ID: 1}, Primary: primary, Mirror: mirror}}

	e.runRollbackValidation(context.Background(), entries)

	if len(mirror.SubmittedBlocks) != 1 || mirror.SubmittedBlocks[0] != "deadbeef" {
		t.Fatalf("mirror.SubmittedBlocks = %v, want exactly one push of the in-depth valid-headers candidate", mirror.SubmittedBlocks)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	e := newTestEngine()
	e.SetInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

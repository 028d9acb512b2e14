package inflation

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/pkg/models"
)

const (
	tipHash    = "1111111111111111111111111111111111111111111111111111111111111a"
	parentHash = "2222222222222222222222222222222222222222222222222222222222222b"
)

type fakeStore struct {
	ancestry   []models.Block
	outsets    map[string]*models.TxOutset
	priors     map[int64]*models.TxOutset
	upserted   []models.TxOutset
	inflated   []models.InflatedBlock
}

func (f *fakeStore) TxOutsetFor(ctx context.Context, blockHash string, nodeID int64) (*models.TxOutset, error) {
	return f.outsets[blockHash], nil
}

func (f *fakeStore) PriorTxOutset(ctx context.Context, nodeID int64, height int64) (*models.TxOutset, error) {
	return f.priors[height], nil
}

func (f *fakeStore) UpsertTxOutset(ctx context.Context, t models.TxOutset) error {
	f.upserted = append(f.upserted, t)
	return nil
}

func (f *fakeStore) InsertInflatedBlock(ctx context.Context, ib models.InflatedBlock) error {
	f.inflated = append(f.inflated, ib)
	return nil
}

func (f *fakeStore) GetBlock(ctx context.Context, hash string) (*models.Block, error) { return nil, nil }

func (f *fakeStore) Ancestors(ctx context.Context, hash string, limit int) ([]models.Block, error) {
	return f.ancestry, nil
}

func (f *fakeStore) MarkValid(ctx context.Context, hash string, nodeID int64) error   { return nil }
func (f *fakeStore) MarkInvalid(ctx context.Context, hash string, nodeID int64) error { return nil }

var _ Store = (*fakeStore)(nil)

func TestCheckSkipsMirrorsThatAreUnreachableOrInIBD(t *testing.T) {
	calls := 0
	newStore := func() Store {
		calls++
		return &fakeStore{outsets: map[string]*models.TxOutset{}, priors: map[int64]*models.TxOutset{}}
	}
	mirrors := []Mirror{
		{NodeID: 1, Client: node.NewFakeClient(), Unreach: true},
		{NodeID: 2, Client: node.NewFakeClient(), InIBD: true},
	}

	if err := Check(context.Background(), newStore, mirrors, 4); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if calls != 0 {
		t.Fatalf("newStore called %d times, want 0 (both mirrors ineligible)", calls)
	}
}

func TestCheckBlockFlagsInflationBeyondSubsidy(t *testing.T) {
	st := &fakeStore{
		priors: map[int64]*models.TxOutset{101: {BlockHash: parentHash, NodeID: 1, Total: 5_000_000_000_000}},
	}
	client := node.NewFakeClient()
	client.ChainInfo = &btcjson.GetBlockChainInfoResult{BestBlockHash: tipHash}
	client.TxOutSet = &node.TxOutSetInfo{TotalAmount: 50_051.0} // +51 BTC, 1 BTC over a 50 BTC subsidy at height 101

	b := models.Block{Hash: tipHash, Height: 101}
	if err := checkBlock(context.Background(), st, Mirror{NodeID: 1, Client: client}, b); err != nil {
		t.Fatalf("checkBlock: %v", err)
	}
	if len(st.inflated) != 1 {
		t.Fatalf("inflated = %v, want one flagged block", st.inflated)
	}
	if !st.upserted[0].Inflated {
		t.Fatal("expected the upserted row to carry Inflated=true")
	}
}

func TestCheckBlockNoPriorSnapshotNeverFlagsInflation(t *testing.T) {
	st := &fakeStore{priors: map[int64]*models.TxOutset{}}
	client := node.NewFakeClient()
	client.ChainInfo = &btcjson.GetBlockChainInfoResult{BestBlockHash: tipHash}
	client.TxOutSet = &node.TxOutSetInfo{TotalAmount: 50_000_000.0}

	b := models.Block{Hash: tipHash, Height: 101}
	if err := checkBlock(context.Background(), st, Mirror{NodeID: 1, Client: client}, b); err != nil {
		t.Fatalf("checkBlock: %v", err)
	}
	if len(st.inflated) != 0 {
		t.Fatal("expected no inflation flag with no prior snapshot to diff against")
	}
	if len(st.upserted) != 1 {
		t.Fatalf("upserted = %v, want one row regardless", st.upserted)
	}
}

func TestCheckMirrorStopsWalkingOnceASnapshotExists(t *testing.T) {
	st := &fakeStore{
		ancestry: []models.Block{{Hash: tipHash, Height: 101}, {Hash: parentHash, Height: 100}},
		outsets:  map[string]*models.TxOutset{parentHash: {BlockHash: parentHash, NodeID: 1}},
		priors:   map[int64]*models.TxOutset{},
	}
	client := node.NewFakeClient()
	client.ChainInfo = &btcjson.GetBlockChainInfoResult{BestBlockHash: tipHash}
	client.TxOutSet = &node.TxOutSetInfo{TotalAmount: 1.0}

	if err := checkMirror(context.Background(), st, Mirror{NodeID: 1, Client: client}); err != nil {
		t.Fatalf("checkMirror: %v", err)
	}
	if len(st.upserted) != 1 || st.upserted[0].BlockHash != tipHash {
		t.Fatalf("upserted = %+v, want only the tip block processed", st.upserted)
	}
}

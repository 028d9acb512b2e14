package stale

import (
	"context"
	"sort"
	"testing"

	"github.com/twilight-project/forkscanner/pkg/models"
)

type fakeStore struct {
	heights       []int64
	inserted      []int64
	blocksByHeight map[int64][]models.Block
	descendants   map[string][]models.Block
	ancestors     map[string][]models.Block
	children      map[int64][]models.StaleCandidateChild
	needsWork     []models.StaleCandidate
	txsByHash     map[string][]models.Transaction

	lastConflict struct {
		height                           int64
		confirmedInOne, doubleSpent, rbf int64
		doubleSpentTxids, rbfTxids       []string
	}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		blocksByHeight: make(map[int64][]models.Block),
		descendants:    make(map[string][]models.Block),
		ancestors:      make(map[string][]models.Block),
		children:       make(map[int64][]models.StaleCandidateChild),
		txsByHash:      make(map[string][]models.Transaction),
	}
}

func (f *fakeStore) FindStaleCandidateHeights(ctx context.Context, sinceHeight int64) ([]int64, error) {
	return f.heights, nil
}

func (f *fakeStore) InsertStaleCandidate(ctx context.Context, height int64) error {
	f.inserted = append(f.inserted, height)
	return nil
}

func (f *fakeStore) BlocksAtHeight(ctx context.Context, height int64) ([]models.Block, error) {
	return f.blocksByHeight[height], nil
}

func (f *fakeStore) Descendants(ctx context.Context, hash string, maxHeight int64) ([]models.Block, error) {
	return f.descendants[hash], nil
}

func (f *fakeStore) Ancestors(ctx context.Context, hash string, limit int) ([]models.Block, error) {
	return f.ancestors[hash], nil
}

func (f *fakeStore) ReplaceStaleCandidateChildren(ctx context.Context, height int64, children []models.StaleCandidateChild) error {
	f.children[height] = children
	return nil
}

func (f *fakeStore) StaleCandidatesNeedingWork(ctx context.Context, tipHeight, doubleSpendRange int64) ([]models.StaleCandidate, error) {
	return f.needsWork, nil
}

func (f *fakeStore) StaleCandidateChildren(ctx context.Context, height int64) ([]models.StaleCandidateChild, error) {
	return f.children[height], nil
}

func (f *fakeStore) TransactionsInBranch(ctx context.Context, blockHashes []string) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, h := range blockHashes {
		out = append(out, f.txsByHash[h]...)
	}
	return out, nil
}

func (f *fakeStore) SetConflictingTxs(ctx context.Context, height int64, confirmedInOne, doubleSpent, rbf int64, doubleSpentTxids, rbfTxids []string, tipHeight int64) error {
	f.lastConflict.height = height
	f.lastConflict.confirmedInOne = confirmedInOne
	f.lastConflict.doubleSpent = doubleSpent
	f.lastConflict.rbf = rbf
	f.lastConflict.doubleSpentTxids = doubleSpentTxids
	f.lastConflict.rbfTxids = rbfTxids
	return nil
}

var _ Store = (*fakeStore)(nil)

func TestFindInsertsEveryCandidateHeight(t *testing.T) {
	st := newFakeStore()
	st.heights = []int64{100, 105}

	if err := find(context.Background(), st, 200); err != nil {
		t.Fatalf("find: %v", err)
	}

	sort.Slice(st.inserted, func(i, j int) bool { return st.inserted[i] < st.inserted[j] })
	if len(st.inserted) != 2 || st.inserted[0] != 100 || st.inserted[1] != 105 {
		t.Fatalf("inserted = %v, want [100 105]", st.inserted)
	}
}

func TestSetChildrenPicksTallestDescendantPerBranch(t *testing.T) {
	st := newFakeStore()
	st.blocksByHeight[100] = []models.Block{
		{Hash: "a", Height: 100},
		{Hash: "b", Height: 100},
	}
	st.descendants["a"] = []models.Block{{Hash: "a1", Height: 101}, {Hash: "a2", Height: 102}}
	st.descendants["b"] = []models.Block{{Hash: "b1", Height: 101}}

	if err := setChildren(context.Background(), st, 100); err != nil {
		t.Fatalf("setChildren: %v", err)
	}

	children := st.children[100]
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}

	byRoot := make(map[string]models.StaleCandidateChild)
	for _, c := range children {
		byRoot[c.RootHash] = c
	}
	if byRoot["a"].TipHash != "a2" || byRoot["a"].Length != 2 {
		t.Fatalf("branch a = %+v, want tip a2 length 2", byRoot["a"])
	}
	if byRoot["b"].TipHash != "b1" || byRoot["b"].Length != 1 {
		t.Fatalf("branch b = %+v, want tip b1 length 1", byRoot["b"])
	}
}

func TestSetConflictingTxsSkipsWhenNotExactlyTwoBranches(t *testing.T) {
	st := newFakeStore()
	st.children[100] = []models.StaleCandidateChild{{RootHash: "a", TipHash: "a", Length: 0}}

	if err := setConflictingTxs(context.Background(), st, 100, 200); err != nil {
		t.Fatalf("setConflictingTxs: %v", err)
	}
	if st.lastConflict.height != 100 || st.lastConflict.confirmedInOne != 0 {
		t.Fatalf("expected a zeroed conflict row, got %+v", st.lastConflict)
	}
}

func TestSetConflictingTxsDetectsDoubleSpendAndRBF(t *testing.T) {
	st := newFakeStore()
	short := models.StaleCandidateChild{RootHash: "short-root", TipHash: "short-root", Length: 1}
	long := models.StaleCandidateChild{RootHash: "long-root", TipHash: "long-root", Length: 2}
	st.children[100] = []models.StaleCandidateChild{short, long}
	st.ancestors["short-root"] = []models.Block{{Hash: "short-root", Height: 100}}
	st.ancestors["long-root"] = []models.Block{{Hash: "long-root", Height: 100}}

	// Double-spend: different output scripts entirely.
	st.txsByHash["short-root"] = []models.Transaction{
		{
			Txid:      "ds-short",
			OutputSum: 5_000_000,
			Inputs:    []models.TxIn{{PrevTxid: "prev1", PrevVout: 0}},
			Outputs:   []models.TxOut{{ScriptHex: "aa", Value: 5_000_000}},
		},
	}
	st.txsByHash["long-root"] = []models.Transaction{
		{
			Txid:      "ds-long",
			OutputSum: 5_000_000,
			Inputs:    []models.TxIn{{PrevTxid: "prev1", PrevVout: 0}},
			Outputs:   []models.TxOut{{ScriptHex: "bb", Value: 5_000_000}},
		},
	}

	if err := setConflictingTxs(context.Background(), st, 100, 200); err != nil {
		t.Fatalf("setConflictingTxs: %v", err)
	}
	if st.lastConflict.doubleSpent != 5_000_000 || st.lastConflict.rbf != 0 {
		t.Fatalf("conflict = %+v, want doubleSpent=5000000 rbf=0", st.lastConflict)
	}
	if len(st.lastConflict.doubleSpentTxids) != 1 || st.lastConflict.doubleSpentTxids[0] != "ds-short" {
		t.Fatalf("doubleSpentTxids = %v", st.lastConflict.doubleSpentTxids)
	}

	// Now replace with an RBF pair: same script, near-equal value.
	st.txsByHash["short-root"] = []models.Transaction{
		{
			Txid:      "rbf-short",
			OutputSum: 5_000_000,
			Inputs:    []models.TxIn{{PrevTxid: "prev2", PrevVout: 0}},
			Outputs:   []models.TxOut{{ScriptHex: "cc", Value: 5_000_000}},
		},
	}
	st.txsByHash["long-root"] = []models.Transaction{
		{
			Txid:      "rbf-long",
			OutputSum: 5_000_000,
			Inputs:    []models.TxIn{{PrevTxid: "prev2", PrevVout: 0}},
			Outputs:   []models.TxOut{{ScriptHex: "cc", Value: 5_000_500}},
		},
	}

	if err := setConflictingTxs(context.Background(), st, 100, 200); err != nil {
		t.Fatalf("setConflictingTxs: %v", err)
	}
	if st.lastConflict.rbf != 5_000_000 || st.lastConflict.doubleSpent != 0 {
		t.Fatalf("conflict = %+v, want rbf=5000000 doubleSpent=0", st.lastConflict)
	}
	if len(st.lastConflict.rbfTxids) != 1 || st.lastConflict.rbfTxids[0] != "rbf-short" {
		t.Fatalf("rbfTxids = %v", st.lastConflict.rbfTxids)
	}
}

func TestIsRBF(t *testing.T) {
	a := models.Transaction{Outputs: []models.TxOut{{ScriptHex: "aa", Value: 100_000}}}
	b := models.Transaction{Outputs: []models.TxOut{{ScriptHex: "aa", Value: 105_000}}}
	if !isRBF(a, b) {
		t.Fatalf("expected RBF match for near-equal values on identical scripts")
	}

	c := models.Transaction{Outputs: []models.TxOut{{ScriptHex: "aa", Value: 200_000}}}
	if isRBF(a, c) {
		t.Fatalf("expected no RBF match once delta exceeds 10,000 sats")
	}

	d := models.Transaction{Outputs: []models.TxOut{{ScriptHex: "bb", Value: 100_000}}}
	if isRBF(a, d) {
		t.Fatalf("expected no RBF match for differing scripts")
	}
}

func TestSymmetricDifferenceAndDifference(t *testing.T) {
	a := map[string]bool{"x": true, "y": true}
	b := map[string]bool{"y": true, "z": true}

	sym := symmetricDifference(a, b)
	if len(sym) != 2 || !sym["x"] || !sym["z"] {
		t.Fatalf("symmetricDifference = %v, want {x, z}", sym)
	}

	diff := difference(a, b)
	if len(diff) != 1 || !diff["x"] {
		t.Fatalf("difference = %v, want {x}", diff)
	}
}

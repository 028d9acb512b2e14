// Package stale implements the Stale-Candidate Analyzer (spec §4.7): find
// competing-block heights, record their descendant branches, and — once
// exactly two branches exist — compute double-spend and RBF totals between
// them. No direct analogue survives in the retrieved original_source
// files; the SQL-grouping shape for "find" is grounded on
// original_source/src/models.rs's Block::find_fork (GROUP BY parent_hash
// HAVING count(*) > 1).
package stale

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/twilight-project/forkscanner/internal/store"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// StaleWindow bounds how far below the tip a candidate height is still
// considered, and how far past a candidate height descendants are walked
// (spec §4.7).
const StaleWindow = 100

// DoubleSpendRange bounds how many blocks past a branch root are scanned
// for conflicting transactions (spec §4.7).
const DoubleSpendRange = 30

// Store is the subset of *store.Store the analyzer needs.
type Store interface {
	FindStaleCandidateHeights(ctx context.Context, sinceHeight int64) ([]int64, error)
	InsertStaleCandidate(ctx context.Context, height int64) error
	BlocksAtHeight(ctx context.Context, height int64) ([]models.Block, error)
	Descendants(ctx context.Context, hash string, maxHeight int64) ([]models.Block, error)
	Ancestors(ctx context.Context, hash string, limit int) ([]models.Block, error)
	ReplaceStaleCandidateChildren(ctx context.Context, height int64, children []models.StaleCandidateChild) error
	StaleCandidatesNeedingWork(ctx context.Context, tipHeight, doubleSpendRange int64) ([]models.StaleCandidate, error)
	StaleCandidateChildren(ctx context.Context, height int64) ([]models.StaleCandidateChild, error)
	TransactionsInBranch(ctx context.Context, blockHashes []string) ([]models.Transaction, error)
	SetConflictingTxs(ctx context.Context, height int64, confirmedInOne, doubleSpent, rbf int64, doubleSpentTxids, rbfTxids []string, tipHeight int64) error
}

var _ Store = (*store.Store)(nil)

// Analyze runs the full three-stage pipeline for one pass: find new
// candidates, refresh descendant branches for candidates needing work, and
// compute conflicting-tx totals where exactly two branches exist (spec
// §4.7).
func Analyze(ctx context.Context, st Store, tipHeight int64) error {
	if err := find(ctx, st, tipHeight); err != nil {
		return fmt.Errorf("stale: find: %w", err)
	}

	needsWork, err := st.StaleCandidatesNeedingWork(ctx, tipHeight, DoubleSpendRange)
	if err != nil {
		return fmt.Errorf("stale: candidates needing work: %w", err)
	}

	for _, c := range needsWork {
		if err := setChildren(ctx, st, c.Height); err != nil {
			log.Printf("[stale] set children height=%d: %v", c.Height, err)
			continue
		}
		if err := setConflictingTxs(ctx, st, c.Height, tipHeight); err != nil {
			log.Printf("[stale] set conflicting txs height=%d: %v", c.Height, err)
		}
	}
	return nil
}

// find locates heights with more than one block where the preceding
// height has exactly one, and creates a StaleCandidate row for each (spec
// §4.7 step 1).
func find(ctx context.Context, st Store, tipHeight int64) error {
	heights, err := st.FindStaleCandidateHeights(ctx, tipHeight-StaleWindow)
	if err != nil {
		return err
	}
	for _, h := range heights {
		if err := st.InsertStaleCandidate(ctx, h); err != nil {
			return fmt.Errorf("insert candidate height=%d: %w", h, err)
		}
	}
	return nil
}

// setChildren records one StaleCandidateChildren row per competing block at
// height, its root hash, its longest descendant's hash, and the branch
// length (spec §4.7 step 2).
func setChildren(ctx context.Context, st Store, height int64) error {
	blocks, err := st.BlocksAtHeight(ctx, height)
	if err != nil {
		return err
	}

	children := make([]models.StaleCandidateChild, 0, len(blocks))
	for _, b := range blocks {
		descendants, err := st.Descendants(ctx, b.Hash, height+StaleWindow)
		if err != nil {
			return fmt.Errorf("descendants of %s: %w", b.Hash, err)
		}

		tip := b
		for _, d := range descendants {
			if d.Height > tip.Height {
				tip = d
			}
		}

		children = append(children, models.StaleCandidateChild{
			CandidateHeight: height,
			RootHash:        b.Hash,
			TipHash:         tip.Hash,
			Length:          tip.Height - b.Height,
		})
	}

	return st.ReplaceStaleCandidateChildren(ctx, height, children)
}

// setConflictingTxs computes double-spend and RBF totals between the two
// branches of a candidate, only when exactly two exist (spec §4.7 step 3).
func setConflictingTxs(ctx context.Context, st Store, height, tipHeight int64) error {
	children, err := st.StaleCandidateChildren(ctx, height)
	if err != nil {
		return err
	}
	if len(children) != 2 {
		return st.SetConflictingTxs(ctx, height, 0, 0, 0, nil, nil, tipHeight)
	}

	short, long := children[0], children[1]
	if short.Length > long.Length {
		short, long = long, short
	}

	shortTxids, shortInputs, shortByTxid, err := branchTxSets(ctx, st, short, height)
	if err != nil {
		return fmt.Errorf("short branch tx set: %w", err)
	}
	longTxids, longInputs, longByTxid, err := branchTxSets(ctx, st, long, height)
	if err != nil {
		return fmt.Errorf("long branch tx set: %w", err)
	}

	confirmedInOne := int64(0)
	if len(shortTxids) >= len(longTxids) {
		confirmedInOne = int64(len(symmetricDifference(shortTxids, longTxids)))
	} else {
		confirmedInOne = int64(len(difference(shortTxids, longTxids)))
	}

	var doubleSpentTotal, rbfTotal int64
	var doubleSpentTxids, rbfTxids []string

	for key, shortSpender := range shortInputs {
		longSpender, ok := longInputs[key]
		if !ok || longSpender == shortSpender {
			continue
		}

		sTx, ok := shortByTxid[shortSpender]
		if !ok {
			continue
		}

		lTx, ok := longByTxid[longSpender]
		if !ok {
			continue
		}

		if isRBF(sTx, lTx) {
			rbfTotal += sTx.OutputSum
			rbfTxids = append(rbfTxids, shortSpender)
		} else {
			doubleSpentTotal += sTx.OutputSum
			doubleSpentTxids = append(doubleSpentTxids, shortSpender)
		}
	}

	return st.SetConflictingTxs(ctx, height, confirmedInOne, doubleSpentTotal, rbfTotal, doubleSpentTxids, rbfTxids, tipHeight)
}

// branchTxSets collects every transaction in the branch from root to tip
// within DoubleSpendRange blocks of root, returning its txid set, a map of
// "prev_txid##vout" -> spending txid for its inputs, and the transactions
// themselves keyed by txid (spec §4.7 step 3: "collect the txids of all
// transactions in that root plus descendants within DOUBLE_SPEND_RANGE
// blocks... Build per-input maps keyed by prev_txid##vout").
func branchTxSets(ctx context.Context, st Store, child models.StaleCandidateChild, rootHeight int64) (map[string]bool, map[string]string, map[string]models.Transaction, error) {
	ancestry, err := st.Ancestors(ctx, child.TipHash, StaleWindow+DoubleSpendRange)
	if err != nil {
		return nil, nil, nil, err
	}

	var hashes []string
	for _, b := range ancestry {
		if b.Height >= rootHeight && b.Height <= rootHeight+DoubleSpendRange {
			hashes = append(hashes, b.Hash)
		}
	}
	if len(hashes) == 0 {
		hashes = []string{child.RootHash}
	}

	txs, err := st.TransactionsInBranch(ctx, hashes)
	if err != nil {
		return nil, nil, nil, err
	}

	txids := make(map[string]bool, len(txs))
	inputs := make(map[string]string)
	byTxid := make(map[string]models.Transaction, len(txs))
	for _, t := range txs {
		txids[t.Txid] = true
		byTxid[t.Txid] = t
		for _, in := range t.Inputs {
			key := fmt.Sprintf("%s##%d", in.PrevTxid, in.PrevVout)
			inputs[key] = t.Txid
		}
	}
	return txids, inputs, byTxid, nil
}

// isRBF reports whether two transactions' output vectors, sorted by
// scriptPubKey hex, have equal scripts and near-equal (|delta| < 0.0001
// BTC = 10,000 sat) values, pairwise (spec §4.7 step 3 RBF rule).
func isRBF(a, b models.Transaction) bool {
	const maxDeltaSats = 10_000 // 0.0001 BTC

	if len(a.Outputs) != len(b.Outputs) || len(a.Outputs) == 0 {
		return false
	}

	aOut := append([]models.TxOut(nil), a.Outputs...)
	bOut := append([]models.TxOut(nil), b.Outputs...)
	sort.Slice(aOut, func(i, j int) bool { return aOut[i].ScriptHex < aOut[j].ScriptHex })
	sort.Slice(bOut, func(i, j int) bool { return bOut[i].ScriptHex < bOut[j].ScriptHex })

	for i := range aOut {
		if aOut[i].ScriptHex != bOut[i].ScriptHex {
			return false
		}
		delta := aOut[i].Value - bOut[i].Value
		if delta < 0 {
			delta = -delta
		}
		if delta >= maxDeltaSats {
			return false
		}
	}
	return true
}

func symmetricDifference(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if !b[k] {
			out[k] = true
		}
	}
	for k := range b {
		if !a[k] {
			out[k] = true
		}
	}
	return out
}

func difference(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if !b[k] {
			out[k] = true
		}
	}
	return out
}

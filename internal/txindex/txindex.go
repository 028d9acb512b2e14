// Package txindex implements the Transaction & Address Indexer (spec
// §4.8): for each ingested block, it records every transaction's outputs,
// classifying a pseudo-address per output script type, and surfaces hits
// against the watch-list at the end of a pass. Input addresses looked up
// on the archive node only feed the swept flag; they are not stored, and
// each recorded input carries just its prevout txid and index. Grounded on the teacher's
// internal/scanner/block_scanner.go (verbose-tx fetch, per-vin prevout
// lookup, sats conversion), generalized from heuristic scanning to the
// spec's address-classification and watch-match rules.
package txindex

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/internal/store"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// Store is the subset of *store.Store the indexer needs.
type Store interface {
	UpsertTransaction(ctx context.Context, t models.Transaction) error
	ListWatched(ctx context.Context, now time.Time) ([]models.Watched, error)
	TransactionsByAddress(ctx context.Context, address string) ([]models.Transaction, error)
}

var _ Store = (*store.Store)(nil)

// WatchHit is a transaction that touched a still-watched address, the unit
// the dispatcher's WatchedAddress event carries (spec §4.8/§4.9).
type WatchHit struct {
	Address string
	Tx      models.Transaction
}

// IndexBlock fetches the verbose block body on the node that first saw it
// and upserts one Transaction row per contained transaction (spec §4.8).
// archive may be nil, in which case every transaction is persisted
// unswept, per the resolved Open Question (§4.8: "if no archive node is
// configured, swept degrades to false rather than being computed").
func IndexBlock(ctx context.Context, st Store, client node.NodeClient, archive node.NodeClient, blockHash string) error {
	h, err := chainhash.NewHashFromStr(blockHash)
	if err != nil {
		return fmt.Errorf("txindex: parse hash %s: %w", blockHash, err)
	}

	full, err := client.GetBlockVerboseTx(h)
	if err != nil {
		return fmt.Errorf("txindex: get block %s: %w", blockHash, err)
	}

	for i, tx := range full.Tx {
		isCoinbase := i == 0
		t := buildTransaction(blockHash, tx, isCoinbase)

		if archive != nil && !isCoinbase {
			t.Swept = isSwept(archive, tx, t)
		}

		if err := st.UpsertTransaction(ctx, t); err != nil {
			return fmt.Errorf("txindex: upsert %s: %w", tx.Txid, err)
		}
	}
	return nil
}

// buildTransaction maps one verbose RPC transaction to the stored model,
// classifying each output's pseudo-address per spec §4.8's dispatch table.
func buildTransaction(blockHash string, tx btcjson.TxRawResult, coinbase bool) models.Transaction {
	t := models.Transaction{
		BlockHash: blockHash,
		Txid:      tx.Txid,
		Coinbase:  coinbase,
		Raw:       tx.Hex,
		Inputs:    make([]models.TxIn, 0, len(tx.Vin)),
		Outputs:   make([]models.TxOut, 0, len(tx.Vout)),
	}

	for _, vin := range tx.Vin {
		if vin.Txid == "" {
			continue
		}
		t.Inputs = append(t.Inputs, models.TxIn{PrevTxid: vin.Txid, PrevVout: vin.Vout})
	}

	var outputSum int64
	var primary string
	for _, vout := range tx.Vout {
		sats := btcToSats(vout.Value)
		outputSum += sats

		addr := classifyOutputAddress(vout.ScriptPubKey)
		if primary == "" {
			primary = addr
		}

		t.Outputs = append(t.Outputs, models.TxOut{
			Index:     int(vout.N),
			Value:     sats,
			Address:   addr,
			ScriptHex: vout.ScriptPubKey.Hex,
		})
	}

	t.OutputSum = outputSum
	t.Address = primary
	return t
}

// classifyOutputAddress picks the pseudo-address for one output, per spec
// §4.8's classify-by-type dispatch table.
func classifyOutputAddress(spk btcjson.ScriptPubKeyResult) string {
	switch spk.Type {
	case "nulldata", "scripthash":
		return asmToken(spk.Asm, 1)
	case "witness_v0_keyhash", "witness_v0_scripthash", "witness_v1_taproot":
		return asmLastToken(spk.Asm)
	case "pubkeyhash":
		if addr := firstExplicitAddress(spk); addr != "" {
			return addr
		}
		return asmToken(spk.Asm, 2)
	default:
		return firstExplicitAddress(spk)
	}
}

func firstExplicitAddress(spk btcjson.ScriptPubKeyResult) string {
	if spk.Address != "" {
		return spk.Address
	}
	if len(spk.Addresses) > 0 {
		return spk.Addresses[0]
	}
	return ""
}

func asmToken(asm string, index int) string {
	tokens := strings.Fields(asm)
	if index < 0 || index >= len(tokens) {
		return ""
	}
	return tokens[index]
}

func asmLastToken(asm string) string {
	tokens := strings.Fields(asm)
	if len(tokens) == 0 {
		return ""
	}
	return tokens[len(tokens)-1]
}

// isSwept looks up the resolved address of every input's prevout on the
// archive node; if none of them match the transaction's output address,
// the transaction is "swept" (spec §4.8).
func isSwept(archive node.NodeClient, tx btcjson.TxRawResult, t models.Transaction) bool {
	inputAddrs := make(map[string]bool, len(tx.Vin))
	for _, vin := range tx.Vin {
		if vin.Txid == "" {
			continue
		}
		prevHash, err := chainhash.NewHashFromStr(vin.Txid)
		if err != nil {
			continue
		}
		prevTx, err := archive.GetRawTransactionVerbose(prevHash)
		if err != nil {
			continue
		}
		if int(vin.Vout) >= len(prevTx.Vout) {
			continue
		}
		addr := classifyOutputAddress(prevTx.Vout[vin.Vout].ScriptPubKey)
		if addr != "" {
			inputAddrs[addr] = true
		}
	}

	if len(inputAddrs) == 0 {
		return false
	}
	return !inputAddrs[t.Address]
}

// CheckWatched fetches the still-active watch-list and returns every
// indexed transaction touching one of those addresses (spec §4.8: "at
// pass end, fetch the watched-address set and emit any matching
// transactions").
func CheckWatched(ctx context.Context, st Store, now time.Time) ([]WatchHit, error) {
	watched, err := st.ListWatched(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("txindex: list watched: %w", err)
	}

	var hits []WatchHit
	for _, w := range watched {
		txs, err := st.TransactionsByAddress(ctx, w.Address)
		if err != nil {
			log.Printf("[txindex] transactions for watched %s: %v", w.Address, err)
			continue
		}
		for _, t := range txs {
			hits = append(hits, WatchHit{Address: w.Address, Tx: t})
		}
	}
	return hits, nil
}

// btcToSats converts an RPC-reported BTC float to satoshis using
// btcutil.NewAmount, which rounds the same way bitcoind's own
// AmountFromValue does rather than truncating a naive float multiply
// (the teacher's routes.go uses the same conversion for the same reason).
func btcToSats(btc float64) int64 {
	amt, err := btcutil.NewAmount(btc)
	if err != nil {
		return 0
	}
	return int64(amt)
}

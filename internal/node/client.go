// Package node wraps the Bitcoin Core RPC surface the engine consumes
// (spec §6) behind a small capability interface, so the rest of the engine
// never depends on the concrete rpcclient.Client past the pool boundary
// (spec §9, "polymorphic client").
package node

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// NodeClient is the fixed subset of Bitcoin Core RPC methods the engine
// consumes, per spec §6. Both the primary and (when configured) the mirror
// endpoint of a Node satisfy this interface identically.
type NodeClient interface {
	GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error)
	GetChainTips() ([]btcjson.GetChainTipsResult, error)
	GetBlockVerboseTx(hash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error)
	GetBlockHex(hash *chainhash.Hash) (string, error)
	GetBlockHeaderVerbose(hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
	GetRawTransactionVerbose(txid *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetTxOutSetInfo() (*TxOutSetInfo, error)
	GetBlockTemplate(rules []string) (*btcjson.GetBlockTemplateResult, error)
	GetPeerInfo() ([]btcjson.GetPeerInfoResult, error)
	GetBlockFromPeer(hash *chainhash.Hash, peerID int32) error
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlockCount() (int64, error)
	SubmitBlock(hexBlock string) error
	SubmitHeader(hexHeader string) error
	InvalidateBlock(hash *chainhash.Hash) error
	ReconsiderBlock(hash *chainhash.Hash) error
	SetNetworkActive(active bool) error
	DisconnectNode(address string) error
}

// TxOutSetInfo is the subset of `gettxoutsetinfo` the inflation checker
// needs. rpcclient has no typed helper for this RPC, so the real client
// decodes it from a raw JSON-RPC round trip (see rawcalls.go), same as the
// teacher's GetTxOutSetInfoLong.
type TxOutSetInfo struct {
	Height      int64   `json:"height"`
	BestBlock   string  `json:"bestblock"`
	Txouts      int64   `json:"txouts"`
	TotalAmount float64 `json:"total_amount"`
}

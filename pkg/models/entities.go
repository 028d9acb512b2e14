// Package models holds the data-model entities and wire-level event
// messages shared across the engine's components and its store layer.
package models

import "time"

// ChaintipStatus is the classification a node reports for one of its tips.
type ChaintipStatus string

const (
	StatusActive       ChaintipStatus = "active"
	StatusValidFork    ChaintipStatus = "valid-fork"
	StatusValidHeaders ChaintipStatus = "valid-headers"
	StatusHeadersOnly  ChaintipStatus = "headers-only"
	StatusInvalid      ChaintipStatus = "invalid"
)

// WatchMode controls which side of a transaction the watch-address feature
// inspects: inputs, outputs, both, or disabled.
type WatchMode string

const (
	WatchModeNone    WatchMode = "none"
	WatchModeInputs  WatchMode = "inputs"
	WatchModeOutputs WatchMode = "outputs"
	WatchModeAll     WatchMode = "all"
)

// Node is a configured external Bitcoin RPC endpoint.
type Node struct {
	ID               int64
	Name             string
	RPCHost          string
	RPCPort          int
	MirrorPort       int // 0 if no mirror configured
	RPCUser          string
	RPCPass          string
	Archive          bool
	InIBD            bool
	UnreachableSince *time.Time
	LastPoll         time.Time
}

// HasMirror reports whether this node has a companion mirror RPC endpoint.
func (n Node) HasMirror() bool { return n.MirrorPort != 0 }

// Block is a header the system has observed, keyed by its own hash.
type Block struct {
	Hash          string
	Height        int64
	ParentHash    *string
	Connected     bool
	FirstSeenBy   int64
	HeadersOnly   bool
	Chainwork     string // hex-encoded big integer
	Txids         []string
	AddedTxids    []string
	OmittedTxids  []string
	Pool          string
	CoinbaseMsg   string
	TotalFee      *int64
}

// Chaintip is one node's view of one of its tips.
type Chaintip struct {
	ID             int64
	NodeID         int64
	Status         ChaintipStatus
	Block          string
	Height         int64
	ParentChaintip *int64
}

// InvalidBlock asserts a node marked a block invalid at a given instant.
type InvalidBlock struct {
	Hash   string
	NodeID int64
	Marked time.Time
}

// ValidBlock asserts a node marked a block valid at a given instant.
type ValidBlock struct {
	Hash   string
	NodeID int64
	Marked time.Time
}

// InflatedBlock records a detected supply-inflation event on a mirror.
type InflatedBlock struct {
	Hash       string
	NodeID     int64
	Height     int64
	Delta      int64 // satoshis, outset[n].total - outset[n-1].total
	Subsidy    int64 // max_block_subsidy(height) ceiling it exceeded
	DetectedAt time.Time
}

// StaleCandidate is a height at which two or more competing blocks exist.
type StaleCandidate struct {
	Height            int64
	NChildren         int
	ConfirmedInOne    int64
	DoubleSpentAmount int64
	RBFAmount         int64
	HeightProcessed   *int64
	CreatedAt         time.Time
}

// StaleCandidateChild is a rooted descendant branch from a stale candidate.
type StaleCandidateChild struct {
	CandidateHeight int64
	RootHash        string
	TipHash         string
	Length          int64
}

// RbfBy records a txid identified as an RBF replacement in a stale analysis.
type RbfBy struct {
	CandidateHeight int64
	Txid            string
}

// DoubleSpentBy records a txid identified as a double-spend.
type DoubleSpentBy struct {
	CandidateHeight int64
	Txid            string
}

// TxIn is one input of a Transaction.
type TxIn struct {
	PrevTxid string
	PrevVout uint32
	Address  string
}

// TxOut is one output of a Transaction.
type TxOut struct {
	Index     int
	Value     int64 // satoshis
	Address   string
	ScriptHex string // scriptPubKey hex, used for RBF output comparison (spec §4.7)
}

// Transaction is a per-block indexed record of one transaction's outputs.
// Its Inputs carry only the prevout reference (TxIn.Address is left
// empty); input addresses looked up on an archive node serve only to
// compute Swept.
type Transaction struct {
	BlockHash string
	Txid      string
	Coinbase  bool
	Raw       string
	OutputSum int64
	Address   string // canonical address, per the §4.8 classification table
	Swept     bool
	Inputs    []TxIn
	Outputs   []TxOut
}

// Watched is an address under observation until the given UTC instant.
type Watched struct {
	Address string
	Until   time.Time
}

// Lag records that a node was behind the majority at a given instant.
type Lag struct {
	NodeID int64
	At     time.Time
}

// BlockTemplateTx is one mempool transaction as seen in a node's template.
type BlockTemplateTx struct {
	Txid    string
	FeeRate float64 // sat/vB
}

// BlockTemplate is a node's current mempool snapshot at a parent hash.
type BlockTemplate struct {
	NodeID        int64
	ParentHash    string
	FeeTotal      int64
	Txs           []BlockTemplateTx
	LowestFeeRate float64
	CapturedAt    time.Time
}

// TxOutset is a (block, node) UTXO summary used for inflation accounting.
type TxOutset struct {
	BlockHash string
	NodeID    int64
	TxOutsCnt int64
	Total     int64 // satoshis
	Inflated  bool
}

// Peer is a directly connected neighbor of one of our nodes.
type Peer struct {
	NodeID     int64
	PeerID     int32
	Address    string
	SubVersion string
}

// Pool is a mining-pool attribution entry from the coinbase-tag feed.
type Pool struct {
	Tag  string
	Name string
	Link string
}

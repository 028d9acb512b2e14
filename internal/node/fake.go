package node

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// FakeClient is a scriptable NodeClient double for tests, matching spec
// §9's "polymorphic client... inject at construction" design note. Every
// method is safe for concurrent use since the inflation checker (§4.6)
// drives one FakeClient per mirror from its own goroutine.
type FakeClient struct {
	mu sync.Mutex

	ChainTips   []btcjson.GetChainTipsResult
	Headers     map[string]*btcjson.GetBlockHeaderVerboseResult
	Blocks      map[string]*btcjson.GetBlockVerboseTxResult
	BlockHex    map[string]string
	RawTxs      map[string]*btcjson.TxRawResult
	TxOutSet    *TxOutSetInfo
	Peers       []btcjson.GetPeerInfoResult
	ChainInfo   *btcjson.GetBlockChainInfoResult
	BlockHashes map[int64]string
	BlockCount  int64

	NetworkActive bool

	Invalidated      []string
	Reconsidered     []string
	SubmittedBlocks  []string
	SubmittedHeaders []string
	Disconnected     []string
	FetchedFromPeer  []string

	// Errs, keyed by method name, force that method to fail once called.
	Errs map[string]error
}

// NewFakeClient returns an empty FakeClient with NetworkActive true (the
// default state of a real node before any rollback/inflation operation
// touches it).
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Headers:       make(map[string]*btcjson.GetBlockHeaderVerboseResult),
		Blocks:        make(map[string]*btcjson.GetBlockVerboseTxResult),
		BlockHex:      make(map[string]string),
		RawTxs:        make(map[string]*btcjson.TxRawResult),
		BlockHashes:   make(map[int64]string),
		NetworkActive: true,
		Errs:          make(map[string]error),
	}
}

func (f *FakeClient) err(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Errs[method]
}

func (f *FakeClient) GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error) {
	if e := f.err("GetBlockChainInfo"); e != nil {
		return nil, e
	}
	return f.ChainInfo, nil
}

func (f *FakeClient) GetChainTips() ([]btcjson.GetChainTipsResult, error) {
	if e := f.err("GetChainTips"); e != nil {
		return nil, e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]btcjson.GetChainTipsResult(nil), f.ChainTips...), nil
}

func (f *FakeClient) GetBlockVerboseTx(hash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error) {
	if e := f.err("GetBlockVerboseTx"); e != nil {
		return nil, e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Blocks[hash.String()]
	if !ok {
		return nil, fmt.Errorf("fake: no block %s", hash)
	}
	return b, nil
}

func (f *FakeClient) GetBlockHex(hash *chainhash.Hash) (string, error) {
	if e := f.err("GetBlockHex"); e != nil {
		return "", e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	hexStr, ok := f.BlockHex[hash.String()]
	if !ok {
		return "", fmt.Errorf("fake: no block hex %s", hash)
	}
	return hexStr, nil
}

func (f *FakeClient) GetBlockHeaderVerbose(hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error) {
	if e := f.err("GetBlockHeaderVerbose"); e != nil {
		return nil, e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.Headers[hash.String()]
	if !ok {
		return nil, fmt.Errorf("fake: no header %s", hash)
	}
	return h, nil
}

func (f *FakeClient) GetRawTransactionVerbose(txid *chainhash.Hash) (*btcjson.TxRawResult, error) {
	if e := f.err("GetRawTransactionVerbose"); e != nil {
		return nil, e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.RawTxs[txid.String()]
	if !ok {
		return nil, fmt.Errorf("fake: no tx %s", txid)
	}
	return tx, nil
}

func (f *FakeClient) GetTxOutSetInfo() (*TxOutSetInfo, error) {
	if e := f.err("GetTxOutSetInfo"); e != nil {
		return nil, e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TxOutSet, nil
}

func (f *FakeClient) GetBlockTemplate(rules []string) (*btcjson.GetBlockTemplateResult, error) {
	if e := f.err("GetBlockTemplate"); e != nil {
		return nil, e
	}
	return &btcjson.GetBlockTemplateResult{}, nil
}

func (f *FakeClient) GetPeerInfo() ([]btcjson.GetPeerInfoResult, error) {
	if e := f.err("GetPeerInfo"); e != nil {
		return nil, e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]btcjson.GetPeerInfoResult(nil), f.Peers...), nil
}

func (f *FakeClient) GetBlockFromPeer(hash *chainhash.Hash, peerID int32) error {
	if e := f.err("GetBlockFromPeer"); e != nil {
		return e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchedFromPeer = append(f.FetchedFromPeer, fmt.Sprintf("%s:%d", hash, peerID))
	return nil
}

func (f *FakeClient) GetBlockHash(height int64) (*chainhash.Hash, error) {
	if e := f.err("GetBlockHash"); e != nil {
		return nil, e
	}
	f.mu.Lock()
	hexStr, ok := f.BlockHashes[height]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake: no hash at height %d", height)
	}
	return chainhash.NewHashFromStr(hexStr)
}

func (f *FakeClient) GetBlockCount() (int64, error) {
	if e := f.err("GetBlockCount"); e != nil {
		return 0, e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BlockCount, nil
}

func (f *FakeClient) SubmitBlock(hexBlock string) error {
	if e := f.err("SubmitBlock"); e != nil {
		return e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmittedBlocks = append(f.SubmittedBlocks, hexBlock)
	return nil
}

func (f *FakeClient) SubmitHeader(hexHeader string) error {
	if e := f.err("SubmitHeader"); e != nil {
		return e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmittedHeaders = append(f.SubmittedHeaders, hexHeader)
	return nil
}

func (f *FakeClient) InvalidateBlock(hash *chainhash.Hash) error {
	if e := f.err("InvalidateBlock"); e != nil {
		return e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Invalidated = append(f.Invalidated, hash.String())
	for i := range f.ChainTips {
		if f.ChainTips[i].Hash == hash.String() {
			f.ChainTips[i].Status = "invalid"
		}
	}
	return nil
}

func (f *FakeClient) ReconsiderBlock(hash *chainhash.Hash) error {
	if e := f.err("ReconsiderBlock"); e != nil {
		return e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reconsidered = append(f.Reconsidered, hash.String())
	return nil
}

func (f *FakeClient) SetNetworkActive(active bool) error {
	if e := f.err("SetNetworkActive"); e != nil {
		return e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NetworkActive = active
	return nil
}

func (f *FakeClient) DisconnectNode(address string) error {
	if e := f.err("DisconnectNode"); e != nil {
		return e
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnected = append(f.Disconnected, address)
	return nil
}

var _ NodeClient = (*FakeClient)(nil)

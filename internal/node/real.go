package node

import (
	"fmt"
	"log"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
)

// Config is the connection configuration for one RPC endpoint (either a
// node's primary interface or its mirror).
type Config struct {
	Host string
	User string
	Pass string
}

// RealClient is the production NodeClient, backed by btcd's rpcclient.
// Methods with a stable rpcclient helper use it directly; RPCs rpcclient
// doesn't expose a typed helper for go through RawRequest (rawcalls.go),
// matching the teacher's internal/bitcoin/client.go split.
type RealClient struct {
	RPC    *rpcclient.Client
	Config Config
}

// NewRealClient dials the RPC endpoint and verifies connectivity with
// getblockcount, mirroring the teacher's NewClient verification step.
func NewRealClient(cfg Config) (*RealClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("node: connect %s: %w", cfg.Host, err)
	}

	if _, err := client.GetBlockCount(); err != nil {
		client.Shutdown()
		return nil, fmt.Errorf("node: verify %s: %w", cfg.Host, err)
	}

	log.Printf("[node] connected to %s", cfg.Host)
	return &RealClient{RPC: client, Config: cfg}, nil
}

// Shutdown tears down the underlying rpcclient connection.
func (c *RealClient) Shutdown() {
	c.RPC.Shutdown()
}

func (c *RealClient) GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error) {
	return c.RPC.GetBlockChainInfo()
}

func (c *RealClient) GetChainTips() ([]btcjson.GetChainTipsResult, error) {
	return c.RPC.GetChainTips()
}

func (c *RealClient) GetBlockVerboseTx(hash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error) {
	return c.RPC.GetBlockVerboseTx(hash)
}

func (c *RealClient) GetBlockHeaderVerbose(hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error) {
	return c.RPC.GetBlockHeaderVerbose(hash)
}

func (c *RealClient) GetRawTransactionVerbose(txid *chainhash.Hash) (*btcjson.TxRawResult, error) {
	return c.RPC.GetRawTransactionVerbose(txid)
}

func (c *RealClient) GetBlockTemplate(rules []string) (*btcjson.GetBlockTemplateResult, error) {
	req := btcjson.TemplateRequest{Rules: rules}
	return c.RPC.GetBlockTemplate(&req)
}

func (c *RealClient) GetPeerInfo() ([]btcjson.GetPeerInfoResult, error) {
	return c.RPC.GetPeerInfo()
}

func (c *RealClient) GetBlockHash(height int64) (*chainhash.Hash, error) {
	return c.RPC.GetBlockHash(height)
}

func (c *RealClient) GetBlockCount() (int64, error) {
	return c.RPC.GetBlockCount()
}

func (c *RealClient) InvalidateBlock(hash *chainhash.Hash) error {
	return c.RPC.InvalidateBlock(hash)
}

func (c *RealClient) ReconsiderBlock(hash *chainhash.Hash) error {
	return c.RPC.ReconsiderBlock(hash)
}

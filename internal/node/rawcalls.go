package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// RPCs without a typed rpcclient helper go through RawRequest (or, for
// gettxoutsetinfo, which needs a longer timeout than rpcclient's default, a
// direct HTTP POST) — the same split the teacher's internal/bitcoin/client.go makes for
// ScanTxOutset/GetTxOutSetInfoLong.

func (c *RealClient) GetBlockHex(hash *chainhash.Hash) (string, error) {
	param, _ := json.Marshal(hash.String())
	verbosity, _ := json.Marshal(0)
	raw, err := c.RPC.RawRequest("getblock", []json.RawMessage{param, verbosity})
	if err != nil {
		return "", err
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return "", fmt.Errorf("node: decode getblock hex: %w", err)
	}
	return hex, nil
}

func (c *RealClient) SubmitBlock(hexBlock string) error {
	param, _ := json.Marshal(hexBlock)
	_, err := c.RPC.RawRequest("submitblock", []json.RawMessage{param})
	return err
}

func (c *RealClient) SubmitHeader(hexHeader string) error {
	param, _ := json.Marshal(hexHeader)
	_, err := c.RPC.RawRequest("submitheader", []json.RawMessage{param})
	return err
}

func (c *RealClient) SetNetworkActive(active bool) error {
	param, _ := json.Marshal(active)
	_, err := c.RPC.RawRequest("setnetworkactive", []json.RawMessage{param})
	return err
}

func (c *RealClient) DisconnectNode(address string) error {
	param, _ := json.Marshal(address)
	_, err := c.RPC.RawRequest("disconnectnode", []json.RawMessage{param})
	return err
}

func (c *RealClient) GetBlockFromPeer(hash *chainhash.Hash, peerID int32) error {
	hashParam, _ := json.Marshal(hash.String())
	peerParam, _ := json.Marshal(peerID)
	_, err := c.RPC.RawRequest("getblockfrompeer", []json.RawMessage{hashParam, peerParam})
	return err
}

// GetTxOutSetInfo calls gettxoutsetinfo with a long timeout via a direct
// HTTP round trip — the default rpcclient timeout is too short for this
// expensive RPC on a large UTXO set, exactly as the teacher's
// GetTxOutSetInfoLong documents.
func (c *RealClient) GetTxOutSetInfo() (*TxOutSetInfo, error) {
	type jsonRPCRequest struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      int               `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params"`
	}
	reqBody, _ := json.Marshal(jsonRPCRequest{
		JSONRPC: "1.0",
		ID:      1,
		Method:  "gettxoutsetinfo",
		Params:  []json.RawMessage{},
	})

	url := fmt.Sprintf("http://%s", c.Config.Host)
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("gettxoutsetinfo: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.Config.User, c.Config.Pass)

	httpClient := &http.Client{Timeout: 3 * time.Minute}
	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gettxoutsetinfo: http request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("gettxoutsetinfo: read body: %w", err)
	}

	type jsonRPCResponse struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("gettxoutsetinfo: unmarshal rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var info TxOutSetInfo
	if err := json.Unmarshal(rpcResp.Result, &info); err != nil {
		return nil, fmt.Errorf("gettxoutsetinfo: unmarshal result: %w", err)
	}
	return &info, nil
}

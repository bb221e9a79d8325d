package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RPCClient implements Client against a JSON-RPC node.
type RPCClient struct {
	rpcURL     string
	httpClient *http.Client
}

// Config holds RPC client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// NewRPCClient creates a JSON-RPC chain client.
func NewRPCClient(cfg Config) (*RPCClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		rpcURL:     cfg.RPCURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// call makes an RPC call to the node.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// VaultBalance returns the native balance of account.
func (c *RPCClient) VaultBalance(ctx context.Context, account string) (float64, error) {
	result, err := c.call(ctx, "getbalance", []interface{}{account})
	if err != nil {
		return 0, err
	}
	var balance float64
	if err := json.Unmarshal(result, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// BuildFeeCollection asks the node to build vault-draining instructions.
func (c *RPCClient) BuildFeeCollection(ctx context.Context, vault, payer string) (Instructions, error) {
	result, err := c.call(ctx, "buildfeecollection", []interface{}{vault, payer})
	if err != nil {
		return Instructions{}, err
	}
	return Instructions{Payload: result}, nil
}

// BuildNativeTransfer asks the node to build a native transfer.
func (c *RPCClient) BuildNativeTransfer(ctx context.Context, from, to string, amount float64) (Instructions, error) {
	result, err := c.call(ctx, "buildtransfer", []interface{}{from, to, amount})
	if err != nil {
		return Instructions{}, err
	}
	return Instructions{Payload: result}, nil
}

// SubmitAndConfirm signs and submits instructions, polling until the node
// reports confirmation or ctx expires.
func (c *RPCClient) SubmitAndConfirm(ctx context.Context, instr Instructions, signerKey string) (string, error) {
	result, err := c.call(ctx, "submit", []interface{}{instr.Payload, signerKey})
	if err != nil {
		return "", err
	}
	var txHash string
	if err := json.Unmarshal(result, &txHash); err != nil {
		return "", err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			confirmed, err := c.confirmed(ctx, txHash)
			if err != nil {
				continue
			}
			if confirmed {
				return txHash, nil
			}
		}
	}
}

func (c *RPCClient) confirmed(ctx context.Context, txHash string) (bool, error) {
	result, err := c.call(ctx, "gettransactionstatus", []interface{}{txHash})
	if err != nil {
		return false, err
	}
	var status struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		return false, err
	}
	return status.Confirmed, nil
}

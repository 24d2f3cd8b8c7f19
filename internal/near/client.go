package near

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"near-forwarder/internal/rpc"
)

// ErrTxNotFound 节点尚未观测到这笔交易（广播传播延迟时的正常现象）
var ErrTxNotFound = errors.New("transaction not found on node")

// Client 在重试客户端之上提供类型化的NEAR协议方法
type Client struct {
	rpc    *rpc.Client
	logger *slog.Logger
}

// NewClient wraps the retrying RPC client with typed NEAR methods.
func NewClient(rpcClient *rpc.Client, logger *slog.Logger) *Client {
	return &Client{rpc: rpcClient, logger: logger}
}

// RPC exposes the underlying retrying client.
func (c *Client) RPC() *rpc.Client {
	return c.rpc
}

func (c *Client) callInto(ctx context.Context, method string, params interface{}, out interface{}) error {
	result, err := c.rpc.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Block returns the latest final block.
func (c *Client) Block(ctx context.Context) (*BlockView, error) {
	var block BlockView
	if err := c.callInto(ctx, "block", map[string]interface{}{"finality": "final"}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GasPrice returns the gas price of the latest block.
func (c *Client) GasPrice(ctx context.Context) (*GasPriceView, error) {
	var price GasPriceView
	if err := c.callInto(ctx, "gas_price", []interface{}{nil}, &price); err != nil {
		return nil, err
	}
	return &price, nil
}

// ViewAccount returns the account state at final head.
func (c *Client) ViewAccount(ctx context.Context, accountID string) (*AccountView, error) {
	var account AccountView
	params := map[string]interface{}{
		"request_type": "view_account",
		"finality":     "final",
		"account_id":   accountID,
	}
	if err := c.callInto(ctx, "query", params, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// ViewAccessKey returns the access key state, including the current nonce.
func (c *Client) ViewAccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyView, error) {
	var key AccessKeyView
	params := map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	}
	if err := c.callInto(ctx, "query", params, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// CallFunction invokes a read-only contract method. args is the raw JSON
// argument object; the wire format wants it base64-encoded.
func (c *Client) CallFunction(ctx context.Context, contractID, method string, args []byte) (*CallResult, error) {
	var result CallResult
	params := map[string]interface{}{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   contractID,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(args),
	}
	if err := c.callInto(ctx, "query", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BroadcastTxAsync submits a signed transaction without waiting for
// execution and returns its hash. The node acknowledges receipt only; the
// caller must poll TxStatus to learn the outcome.
func (c *Client) BroadcastTxAsync(ctx context.Context, signedTxBase64 string) (string, error) {
	result, err := c.rpc.Call(ctx, "broadcast_tx_async", []interface{}{signedTxBase64})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("failed to decode broadcast_tx_async result: %w", err)
	}
	return hash, nil
}

// TxStatus queries the execution outcome of a transaction without making the
// node wait for any finality level. A node that has not seen the transaction
// yet yields ErrTxNotFound rather than a hard failure.
func (c *Client) TxStatus(ctx context.Context, txHash, senderAccountID string) (*TxExecutionOutcome, error) {
	params := map[string]interface{}{
		"tx_hash":           txHash,
		"sender_account_id": senderAccountID,
		"wait_until":        "NONE",
	}
	result, err := c.rpc.Call(ctx, "tx", params)
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) && rpcErr.CauseName() == "UNKNOWN_TRANSACTION" {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	var outcome TxExecutionOutcome
	if err := json.Unmarshal(result, &outcome); err != nil {
		return nil, fmt.Errorf("failed to decode tx result: %w", err)
	}
	return &outcome, nil
}

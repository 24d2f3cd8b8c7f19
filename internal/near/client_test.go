package near

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"near-forwarder/config"
	"near-forwarder/internal/endpoint"
	"near-forwarder/internal/rpc"
)

type scriptStep struct {
	result json.RawMessage
	err    error
}

// scriptedTransport 按方法名脚本化响应，队列耗尽后重复最后一项
type scriptedTransport struct {
	mu       sync.Mutex
	queues   map[string][]scriptStep
	requests []*rpc.Request
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{queues: make(map[string][]scriptStep)}
}

func (st *scriptedTransport) script(method string, steps ...scriptStep) {
	st.queues[method] = steps
}

func (st *scriptedTransport) Send(_ context.Context, _ string, req *rpc.Request) (json.RawMessage, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.requests = append(st.requests, req)
	queue := st.queues[req.Method]
	if len(queue) == 0 {
		return nil, &rpc.RPCError{Name: "REQUEST_VALIDATION_ERROR", Message: "unscripted method: " + req.Method}
	}
	next := queue[0]
	if len(queue) > 1 {
		st.queues[req.Method] = queue[1:]
	}
	return next.result, next.err
}

func (st *scriptedTransport) methodCalls(method string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, req := range st.requests {
		if req.Method == method {
			n++
		}
	}
	return n
}

func (st *scriptedTransport) lastRequest(method string) *rpc.Request {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := len(st.requests) - 1; i >= 0; i-- {
		if st.requests[i].Method == method {
			return st.requests[i]
		}
	}
	return nil
}

func newTestClient(t *testing.T, transport rpc.Transport) *Client {
	t.Helper()
	cfg := &config.Config{
		RPC: config.RPCConfig{
			Settings: config.RPCSettings{MaxAttempts: 10},
		},
		Retry: config.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2.0},
	}
	endpoints := []*endpoint.Endpoint{
		{Name: "test", URL: "https://test.example.com", Weight: 10, MaxRetries: 3},
	}
	pool := endpoint.NewPoolWith(endpoints, endpoint.NewFailureTracker(300*time.Second, nil), rand.New(rand.NewSource(1)))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(rpc.NewClient(cfg, pool, transport, logger), logger)
}

func TestClient_Block(t *testing.T) {
	st := newScriptedTransport()
	st.script("block", scriptStep{result: json.RawMessage(`{
		"author": "validator.near",
		"header": {"height": 135000000, "hash": "H1", "prev_hash": "H0", "timestamp": 1700000000000000000, "gas_price": "100000000"}
	}`)})

	client := newTestClient(t, st)
	block, err := client.Block(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(135000000), block.Header.Height)
	assert.Equal(t, "validator.near", block.Author)

	params := st.lastRequest("block").Params.(map[string]interface{})
	assert.Equal(t, "final", params["finality"])
}

func TestClient_GasPrice(t *testing.T) {
	st := newScriptedTransport()
	st.script("gas_price", scriptStep{result: json.RawMessage(`{"gas_price": "100000000"}`)})

	client := newTestClient(t, st)
	price, err := client.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100000000", price.GasPrice)
}

func TestClient_ViewAccount(t *testing.T) {
	st := newScriptedTransport()
	st.script("query", scriptStep{result: json.RawMessage(`{
		"amount": "399992611103597728750000000",
		"locked": "0",
		"code_hash": "11111111111111111111111111111111",
		"storage_usage": 642,
		"block_height": 135001000,
		"block_hash": "BH"
	}`)})

	client := newTestClient(t, st)
	account, err := client.ViewAccount(context.Background(), "alice.near")
	require.NoError(t, err)
	assert.Equal(t, "399992611103597728750000000", account.Amount)
	assert.Equal(t, uint64(642), account.StorageUsage)

	params := st.lastRequest("query").Params.(map[string]interface{})
	assert.Equal(t, "view_account", params["request_type"])
	assert.Equal(t, "alice.near", params["account_id"])
}

func TestClient_ViewAccessKey(t *testing.T) {
	st := newScriptedTransport()
	st.script("query", scriptStep{result: json.RawMessage(`{
		"nonce": 85,
		"permission": "FullAccess",
		"block_height": 135001000,
		"block_hash": "BH"
	}`)})

	client := newTestClient(t, st)
	key, err := client.ViewAccessKey(context.Background(), "alice.near", "ed25519:H9k5eiU4xXS3EavDsKR4ECwBzXNrCbZB6PAELZ9qdpQk")
	require.NoError(t, err)
	assert.Equal(t, uint64(85), key.Nonce)
}

func TestClient_CallFunctionEncodesArgs(t *testing.T) {
	st := newScriptedTransport()
	st.script("query", scriptStep{result: json.RawMessage(`{
		"result": [34, 49, 48, 48, 34],
		"logs": [],
		"block_height": 135001000,
		"block_hash": "BH"
	}`)})

	client := newTestClient(t, st)
	args := []byte(`{"account_id":"alice.near"}`)
	result, err := client.CallFunction(context.Background(), "token.near", "ft_balance_of", args)
	require.NoError(t, err)
	assert.Equal(t, `"100"`, string(result.Result))

	params := st.lastRequest("query").Params.(map[string]interface{})
	assert.Equal(t, "call_function", params["request_type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(args), params["args_base64"])
}

func TestClient_BroadcastTxAsyncReturnsHash(t *testing.T) {
	st := newScriptedTransport()
	st.script("broadcast_tx_async", scriptStep{result: json.RawMessage(`"9wsShRnXqNgvDDMKJ3kq1u8UHDgDhnXDVHZkTRNNA4ZF"`)})

	client := newTestClient(t, st)
	hash, err := client.BroadcastTxAsync(context.Background(), "c2lnbmVkLXR4")
	require.NoError(t, err)
	assert.Equal(t, "9wsShRnXqNgvDDMKJ3kq1u8UHDgDhnXDVHZkTRNNA4ZF", hash)

	params := st.lastRequest("broadcast_tx_async").Params.([]interface{})
	assert.Equal(t, "c2lnbmVkLXR4", params[0])
}

func TestClient_TxStatusMapsUnknownTransaction(t *testing.T) {
	st := newScriptedTransport()
	st.script("tx", scriptStep{err: &rpc.RPCError{
		Name:    "HANDLER_ERROR",
		Cause:   &rpc.ErrorCause{Name: "UNKNOWN_TRANSACTION"},
		Code:    -32000,
		Message: "Transaction not found",
	}})

	client := newTestClient(t, st)
	_, err := client.TxStatus(context.Background(), "SomeHash", "alice.near")
	require.ErrorIs(t, err, ErrTxNotFound)

	params := st.lastRequest("tx").Params.(map[string]interface{})
	assert.Equal(t, "NONE", params["wait_until"], "polling must never ask the node to wait")
}

func TestTxExecutionOutcome_State(t *testing.T) {
	successValue := ""
	tests := []struct {
		name    string
		outcome TxExecutionOutcome
		want    TxState
	}{
		{"未观测", TxExecutionOutcome{FinalExecutionStatus: "NONE"}, TxStateUnknown},
		{"已进块", TxExecutionOutcome{FinalExecutionStatus: "INCLUDED"}, TxStatePending},
		{"进块终局", TxExecutionOutcome{FinalExecutionStatus: "INCLUDED_FINAL"}, TxStatePending},
		{"乐观执行", TxExecutionOutcome{FinalExecutionStatus: "EXECUTED_OPTIMISTIC", Status: ExecutionStatus{SuccessValue: &successValue}}, TxStateExecuted},
		{"终局", TxExecutionOutcome{FinalExecutionStatus: "FINAL", Status: ExecutionStatus{SuccessValue: &successValue}}, TxStateExecuted},
		{"失败优先于终局程度", TxExecutionOutcome{FinalExecutionStatus: "FINAL", Status: ExecutionStatus{Failure: json.RawMessage(`{"ActionError":{}}`)}}, TxStateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.State())
		})
	}
}

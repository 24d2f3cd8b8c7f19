package near

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"near-forwarder/config"
	"near-forwarder/internal/rpc"
)

const testHash = "9wsShRnXqNgvDDMKJ3kq1u8UHDgDhnXDVHZkTRNNA4ZF"

func broadcastOK() scriptStep {
	return scriptStep{result: json.RawMessage(`"` + testHash + `"`)}
}

func txNotFound() scriptStep {
	return scriptStep{err: &rpc.RPCError{
		Name:    "HANDLER_ERROR",
		Cause:   &rpc.ErrorCause{Name: "UNKNOWN_TRANSACTION"},
		Code:    -32000,
		Message: "Transaction not found",
	}}
}

func txPending() scriptStep {
	return scriptStep{result: json.RawMessage(`{"final_execution_status": "INCLUDED", "status": {}}`)}
}

func txFinalSuccess() scriptStep {
	return scriptStep{result: json.RawMessage(`{
		"final_execution_status": "FINAL",
		"status": {"SuccessValue": ""},
		"transaction_outcome": {"id": "` + testHash + `", "outcome": {"executor_id": "alice.near", "status": {"SuccessValue": ""}}}
	}`)}
}

func txFailed() scriptStep {
	return scriptStep{result: json.RawMessage(`{
		"final_execution_status": "EXECUTED",
		"status": {"Failure": {"ActionError": {"index": 0, "kind": {"FunctionCallError": "panic"}}}}
	}`)}
}

func newTestSubmitter(t *testing.T, st *scriptedTransport, maxPolls int) *Submitter {
	t.Helper()
	client := newTestClient(t, st)
	cfg := &config.Config{
		Poll: config.PollConfig{Interval: 2 * time.Second, MaxPolls: maxPolls},
	}
	submitter := NewSubmitter(cfg, client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	submitter.sleep = func(context.Context, time.Duration) error { return nil }
	return submitter
}

func TestSubmitter_SuccessAfterFourPolls(t *testing.T) {
	st := newScriptedTransport()
	st.script("broadcast_tx_async", broadcastOK())
	st.script("tx", txNotFound(), txNotFound(), txPending(), txFinalSuccess())

	submitter := newTestSubmitter(t, st, 30)
	result, err := submitter.SubmitAndWait(context.Background(), "c2lnbmVkLXR4", "alice.near")
	require.NoError(t, err)

	assert.Equal(t, testHash, result.Hash)
	assert.Equal(t, 4, result.Polls)
	assert.Equal(t, TxStateExecuted, result.Outcome.State())
	// 前两次查不到属于传播延迟，不得中断轮询
	assert.Equal(t, 4, st.methodCalls("tx"))
	assert.Equal(t, 1, st.methodCalls("broadcast_tx_async"))
}

func TestSubmitter_PollingTimeoutAfterExactBudget(t *testing.T) {
	st := newScriptedTransport()
	st.script("broadcast_tx_async", broadcastOK())
	st.script("tx", txPending())

	submitter := newTestSubmitter(t, st, 5)
	_, err := submitter.SubmitAndWait(context.Background(), "c2lnbmVkLXR4", "alice.near")

	var timeoutErr *PollingTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, testHash, timeoutErr.Hash)
	assert.Equal(t, 5, timeoutErr.Polls)
	assert.Equal(t, 5, st.methodCalls("tx"), "poll budget must be exact")

	// 轮询超时不是执行失败
	var execErr *ExecutionError
	assert.False(t, errors.As(err, &execErr))
}

func TestSubmitter_ExecutionFailureIsTerminal(t *testing.T) {
	st := newScriptedTransport()
	st.script("broadcast_tx_async", broadcastOK())
	st.script("tx", txNotFound(), txFailed())

	submitter := newTestSubmitter(t, st, 30)
	_, err := submitter.SubmitAndWait(context.Background(), "c2lnbmVkLXR4", "alice.near")

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, testHash, execErr.Hash)
	assert.Contains(t, string(execErr.Failure), "FunctionCallError")
	// 链上已拒绝，失败后立即返回
	assert.Equal(t, 2, st.methodCalls("tx"))
}

func TestSubmitter_BroadcastFailureSkipsPolling(t *testing.T) {
	st := newScriptedTransport()
	st.script("broadcast_tx_async", scriptStep{err: &rpc.RPCError{
		Name:    "REQUEST_VALIDATION_ERROR",
		Code:    -32700,
		Message: "Parse error",
	}})

	submitter := newTestSubmitter(t, st, 30)
	_, err := submitter.SubmitAndWait(context.Background(), "broken", "alice.near")
	require.Error(t, err)

	var rpcErr *rpc.RPCError
	assert.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 0, st.methodCalls("tx"), "no polling after failed broadcast")
}

func TestSubmitter_UnknownBeyondGraceStillPolls(t *testing.T) {
	st := newScriptedTransport()
	st.script("broadcast_tx_async", broadcastOK())
	st.script("tx", txNotFound())

	submitter := newTestSubmitter(t, st, 6)
	_, err := submitter.SubmitAndWait(context.Background(), "c2lnbmVkLXR4", "alice.near")

	// 始终查不到也要把预算用完，返回超时而不是提前放弃
	var timeoutErr *PollingTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 6, st.methodCalls("tx"))
}

func TestSubmitter_ContextCancelDuringPolling(t *testing.T) {
	st := newScriptedTransport()
	st.script("broadcast_tx_async", broadcastOK())
	st.script("tx", txPending())

	submitter := newTestSubmitter(t, st, 30)
	ctx, cancel := context.WithCancel(context.Background())

	polls := 0
	submitter.sleep = func(ctx context.Context, _ time.Duration) error {
		polls++
		if polls > 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	_, err := submitter.SubmitAndWait(ctx, "c2lnbmVkLXR4", "alice.near")
	require.ErrorIs(t, err, context.Canceled)
}

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"near-forwarder/config"
	"near-forwarder/internal/endpoint"
)

type fakeResult struct {
	result json.RawMessage
	err    error
}

// fakeTransport 按 URL 脚本化响应，队列耗尽后重复最后一项
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string][]fakeResult
	calls     []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: make(map[string][]fakeResult)}
}

func (ft *fakeTransport) script(url string, results ...fakeResult) {
	ft.responses[url] = results
}

func (ft *fakeTransport) Send(_ context.Context, url string, _ *Request) (json.RawMessage, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.calls = append(ft.calls, url)
	queue := ft.responses[url]
	if len(queue) == 0 {
		return nil, errors.New("unscripted endpoint: " + url)
	}
	next := queue[0]
	if len(queue) > 1 {
		ft.responses[url] = queue[1:]
	}
	return next.result, next.err
}

func (ft *fakeTransport) callCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.calls)
}

func rateLimited() fakeResult {
	return fakeResult{err: &HTTPError{StatusCode: http.StatusTooManyRequests, Status: "429 Too Many Requests"}}
}

func serverError() fakeResult {
	return fakeResult{err: &HTTPError{StatusCode: http.StatusInternalServerError, Status: "500 Internal Server Error"}}
}

func success() fakeResult {
	return fakeResult{result: json.RawMessage(`{"ok":true}`)}
}

func newTestClient(t *testing.T, endpoints []*endpoint.Endpoint, transport Transport, maxAttempts int) *Client {
	t.Helper()
	cfg := &config.Config{
		RPC: config.RPCConfig{
			Settings: config.RPCSettings{MaxAttempts: maxAttempts},
		},
		Retry: config.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2.0},
	}
	pool := endpoint.NewPoolWith(endpoints, endpoint.NewFailureTracker(300*time.Second, nil), rand.New(rand.NewSource(1)))
	client := NewClient(cfg, pool, transport, slog.New(slog.NewTextHandler(io.Discard, nil)))
	client.sleep = func(context.Context, time.Duration) error { return nil }
	return client
}

// 权重 100/0 让选择在 primary 可用时必定命中它，封禁后退化为均匀选择
func primarySecondary(primaryRetries int) []*endpoint.Endpoint {
	return []*endpoint.Endpoint{
		{Name: "primary", URL: "https://primary.example.com", Weight: 100, MaxRetries: primaryRetries},
		{Name: "secondary", URL: "https://secondary.example.com", Weight: 0, MaxRetries: 3},
	}
}

func TestClient_RateLimitBansAndSwitchesAfterSingleAttempt(t *testing.T) {
	ft := newFakeTransport()
	ft.script("https://primary.example.com", rateLimited())
	ft.script("https://secondary.example.com", success())

	client := newTestClient(t, primarySecondary(3), ft, 10)
	result, err := client.Call(context.Background(), "block", map[string]string{"finality": "final"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	// 限流只消耗一次尝试，不得在原端点上重试
	require.Equal(t, []string{"https://primary.example.com", "https://secondary.example.com"}, ft.calls)
	assert.True(t, client.Pool().Failures().IsFailed("https://primary.example.com"))
}

func TestClient_TransientExhaustsEndpointBudgetThenSwitches(t *testing.T) {
	ft := newFakeTransport()
	ft.script("https://primary.example.com", serverError(), serverError(), success())
	ft.script("https://secondary.example.com", success())

	client := newTestClient(t, primarySecondary(2), ft, 10)
	result, err := client.Call(context.Background(), "gas_price", []interface{}{nil})
	require.NoError(t, err)
	assert.NotNil(t, result)

	// 同端点重试 2 次后切换，第 3 次尝试成功
	require.Equal(t, 3, ft.callCount())
	assert.Equal(t, ft.calls[0], ft.calls[1], "transient retries must stay on the same endpoint")
	// 瞬时错误不封禁端点
	assert.False(t, client.Pool().Failures().IsFailed("https://primary.example.com"))
}

func TestClient_FatalErrorReturnsImmediately(t *testing.T) {
	ft := newFakeTransport()
	ft.script("https://primary.example.com", fakeResult{err: &RPCError{
		Name:    "REQUEST_VALIDATION_ERROR",
		Code:    -32700,
		Message: "Parse error",
	}})

	client := newTestClient(t, primarySecondary(3), ft, 10)
	_, err := client.Call(context.Background(), "query", nil)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "REQUEST_VALIDATION_ERROR", rpcErr.Name)
	assert.Equal(t, 1, ft.callCount(), "fatal errors must not be retried")
}

func TestClient_MaxAttemptsCeilingAcrossEndpoints(t *testing.T) {
	ft := newFakeTransport()
	ft.script("https://solo.example.com", serverError())

	endpoints := []*endpoint.Endpoint{
		{Name: "solo", URL: "https://solo.example.com", Weight: 10, MaxRetries: 3},
	}
	client := newTestClient(t, endpoints, ft, 5)
	_, err := client.Call(context.Background(), "block", nil)

	var maxErr *MaxAttemptsError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 5, maxErr.Attempts)
	assert.Equal(t, 5, ft.callCount())

	var httpErr *HTTPError
	assert.ErrorAs(t, err, &httpErr, "terminal error should expose the last attempt failure")
}

func TestClient_FullOutageResetsBansAndRecovers(t *testing.T) {
	ft := newFakeTransport()
	ft.script("https://primary.example.com", rateLimited(), success())
	ft.script("https://secondary.example.com", rateLimited())

	client := newTestClient(t, primarySecondary(3), ft, 10)
	result, err := client.Call(context.Background(), "block", nil)
	require.NoError(t, err)
	assert.NotNil(t, result)

	// 两个端点先后被限流封禁，全局重置后第三次尝试成功
	require.Equal(t, []string{
		"https://primary.example.com",
		"https://secondary.example.com",
		"https://primary.example.com",
	}, ft.calls)
}

func TestClient_RateLimitConsumesGlobalAttempt(t *testing.T) {
	ft := newFakeTransport()
	ft.script("https://primary.example.com", rateLimited())
	ft.script("https://secondary.example.com", rateLimited())

	client := newTestClient(t, primarySecondary(3), ft, 2)
	_, err := client.Call(context.Background(), "block", nil)

	var maxErr *MaxAttemptsError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 2, maxErr.Attempts)
	assert.Equal(t, 2, ft.callCount())
}

func TestClient_BackoffDelayFloorAndCap(t *testing.T) {
	cfg := &config.Config{
		RPC:   config.RPCConfig{Settings: config.RPCSettings{MaxAttempts: 10}},
		Retry: config.RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2.0},
	}
	client := NewClient(cfg, endpoint.NewPoolWith(nil, endpoint.NewFailureTracker(time.Minute, nil), rand.New(rand.NewSource(1))), newFakeTransport(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	// 指数小于下限时取下限，而不是几乎为零的等待
	assert.Equal(t, time.Second, client.backoffDelay(1, time.Second))
	// 指数超过下限后按指数走：100ms * 2^3 = 800ms
	assert.Equal(t, 800*time.Millisecond, client.backoffDelay(4, 500*time.Millisecond))
	// 上限封顶
	assert.Equal(t, 2*time.Second, client.backoffDelay(10, 500*time.Millisecond))
	// 无下限时保留原始指数值
	assert.Equal(t, 100*time.Millisecond, client.backoffDelay(1, 0))
}

func TestClient_ContextCancellationStopsRetries(t *testing.T) {
	ft := newFakeTransport()
	ft.script("https://solo.example.com", serverError())

	endpoints := []*endpoint.Endpoint{
		{Name: "solo", URL: "https://solo.example.com", Weight: 10, MaxRetries: 5},
	}
	client := newTestClient(t, endpoints, ft, 10)

	ctx, cancel := context.WithCancel(context.Background())
	client.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := client.Call(ctx, "block", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ft.callCount())
}

func TestClient_EmptyRegistryFailsFast(t *testing.T) {
	client := newTestClient(t, nil, newFakeTransport(), 10)
	_, err := client.Call(context.Background(), "block", nil)
	require.ErrorIs(t, err, ErrNoEndpoints)
}

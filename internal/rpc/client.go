package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"near-forwarder/config"
	"near-forwarder/internal/endpoint"
	"near-forwarder/internal/events"
	"near-forwarder/internal/metrics"
)

// Client executes JSON-RPC calls against the endpoint pool with retries.
//
// Two nested budgets bound every call: each endpoint gets at most its own
// MaxRetries attempts for transient errors, and the whole call gets at most
// MaxAttempts attempts across all endpoints. Rate-limited endpoints are
// quarantined and skipped until their ban expires.
type Client struct {
	pool      *endpoint.Pool
	transport Transport
	logger    *slog.Logger
	bus       events.Bus

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64

	// 测试中替换为空实现以避免真实等待
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client over the given transport. The transport is
// injected so tests can script endpoint behavior without a network.
func NewClient(cfg *config.Config, pool *endpoint.Pool, transport Transport, logger *slog.Logger) *Client {
	return &Client{
		pool:        pool,
		transport:   transport,
		logger:      logger,
		maxAttempts: cfg.RPC.Settings.MaxAttempts,
		baseDelay:   cfg.Retry.BaseDelay,
		maxDelay:    cfg.Retry.MaxDelay,
		multiplier:  cfg.Retry.Multiplier,
		sleep:       sleepContext,
	}
}

// SetEventBus enables event publishing for endpoint bans. Optional.
func (c *Client) SetEventBus(bus events.Bus) {
	c.bus = bus
}

// Pool returns the underlying endpoint pool.
func (c *Client) Pool() *endpoint.Pool {
	return c.pool
}

// Call executes one JSON-RPC method and returns the raw result. Fatal errors
// pass through unchanged so callers can inspect *RPCError; retryable errors
// surface only as *MaxAttemptsError once every budget is spent.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.call(ctx, &Request{Method: method, Params: params})
	metrics.RpcCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.RpcCallsTotal.WithLabelValues(method, "success").Inc()
	case isMaxAttempts(err):
		metrics.RpcCallsTotal.WithLabelValues(method, "max_attempts").Inc()
	default:
		metrics.RpcCallsTotal.WithLabelValues(method, "fatal").Inc()
	}
	return result, err
}

func isMaxAttempts(err error) bool {
	var maxErr *MaxAttemptsError
	return errors.As(err, &maxErr)
}

func (c *Client) call(ctx context.Context, req *Request) (json.RawMessage, error) {
	var lastErr error
	attempts := 0

	for {
		ep := c.pool.NextEndpoint()
		if ep == nil {
			return nil, ErrNoEndpoints
		}

		endpointAttempts := 0
		for {
			if attempts >= c.maxAttempts {
				c.logger.Error(fmt.Sprintf("❌ [RPC] 调用 %s 失败，全局尝试预算耗尽: %d 次", req.Method, attempts))
				return nil, &MaxAttemptsError{Attempts: attempts, LastErr: lastErr}
			}
			attempts++
			endpointAttempts++

			result, err := c.transport.Send(ctx, ep.URL, req)
			if err == nil {
				metrics.RpcAttemptsTotal.WithLabelValues(ep.Name, "success").Inc()
				if attempts > 1 {
					c.logger.Info(fmt.Sprintf("✅ [RPC] 调用 %s 在第 %d 次尝试成功 (端点: %s)", req.Method, attempts, ep.Name))
				}
				return result, nil
			}
			lastErr = err

			cls := Classify(err)
			metrics.RpcAttemptsTotal.WithLabelValues(ep.Name, cls.Class.String()).Inc()

			switch cls.Class {
			case ClassFatal:
				c.logger.Error(fmt.Sprintf("❌ [RPC] 调用 %s 遇到不可重试错误 (端点: %s, 原因: %s): %v", req.Method, ep.Name, cls.Reason, err))
				return nil, err

			case ClassRateLimited:
				c.pool.MarkFailed(ep.URL)
				metrics.EndpointBansTotal.WithLabelValues(ep.Name).Inc()
				metrics.EndpointsAvailable.Set(float64(len(c.pool.Available())))
				c.publishBanned(ep, cls.Reason)
				c.logger.Warn(fmt.Sprintf("⚠️ [RPC] 端点 %s 触发限流，已封禁并切换端点 (原因: %s)", ep.Name, cls.Reason))

				if err := c.sleepBackoff(ctx, attempts, cls.MinDelay); err != nil {
					return nil, err
				}

			case ClassTransient:
				if endpointAttempts >= ep.MaxRetries {
					c.logger.Warn(fmt.Sprintf("⚠️ [RPC] 端点 %s 瞬时错误重试耗尽 (%d/%d)，切换端点: %v", ep.Name, endpointAttempts, ep.MaxRetries, err))
					if err := c.sleepBackoff(ctx, attempts, cls.MinDelay); err != nil {
						return nil, err
					}
				} else {
					c.logger.Debug(fmt.Sprintf("🔄 [RPC] 端点 %s 瞬时错误，原端点重试 (%d/%d): %v", ep.Name, endpointAttempts, ep.MaxRetries, err))
					if err := c.sleepBackoff(ctx, attempts, cls.MinDelay); err != nil {
						return nil, err
					}
					continue
				}
			}
			break
		}
	}
}

func (c *Client) publishBanned(ep *endpoint.Endpoint, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:     events.EventEndpointBanned,
		Source:   "rpc_client",
		Priority: events.PriorityHigh,
		Data: map[string]interface{}{
			"endpoint": ep.Name,
			"url":      ep.URL,
			"reason":   reason,
		},
	})
}

// backoffDelay computes the exponential delay for the n-th attempt, capped at
// maxDelay and never below the classification's floor.
func (c *Client) backoffDelay(attempt int, minDelay time.Duration) time.Duration {
	exp := float64(c.baseDelay) * math.Pow(c.multiplier, float64(attempt-1))
	delay := c.maxDelay
	if exp < float64(c.maxDelay) {
		delay = time.Duration(exp)
	}
	if delay < minDelay {
		delay = minDelay
	}
	return delay
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int, minDelay time.Duration) error {
	return c.sleep(ctx, c.backoffDelay(attempt, minDelay))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Class buckets a failed attempt into one of three handling strategies.
type Class int

const (
	// ClassRateLimited quarantines the endpoint and switches to another one.
	ClassRateLimited Class = iota
	// ClassTransient retries on the same endpoint up to its retry budget.
	ClassTransient
	// ClassFatal aborts the call immediately; retrying cannot help.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classification is the retry decision for one failed attempt. MinDelay is a
// lower bound on the backoff before the next attempt, regardless of how small
// the exponential schedule would make it.
type Classification struct {
	Class    Class
	MinDelay time.Duration
	Reason   string
}

// 服务端返回的限流提示并不统一，按子串兜底识别
var rateLimitHints = []string{
	"rate limit",
	"rate-limit",
	"too many requests",
	"request limit",
	"quota exceeded",
}

// Classify maps an attempt error to a retry decision. The buckets mirror how
// public RPC gateways actually fail: 429s mean this key/IP is throttled on
// this provider (so move elsewhere and let it cool off), 5xx and transport
// errors are momentary, and semantic errors reported by the node itself will
// repeat identically on every endpoint.
func Classify(err error) Classification {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return classifyRPCError(rpcErr)
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTPError(httpErr)
	}

	if errors.Is(err, context.Canceled) {
		return Classification{Class: ClassFatal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Class: ClassTransient, MinDelay: 500 * time.Millisecond, Reason: "timeout"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Class: ClassTransient, MinDelay: 500 * time.Millisecond, Reason: "timeout"}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return Classification{Class: ClassTransient, MinDelay: time.Second, Reason: "connection"}
	}

	// 响应体截断或被网关改写时会解析失败，视为服务端过载
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Classification{Class: ClassTransient, MinDelay: 2 * time.Second, Reason: "parse"}
	}

	if containsRateLimitHint(err.Error()) {
		return Classification{Class: ClassRateLimited, MinDelay: time.Second, Reason: "rate_limit_message"}
	}

	// 未识别的传输层错误按瞬时故障处理
	return Classification{Class: ClassTransient, MinDelay: time.Second, Reason: "transport"}
}

func classifyRPCError(rpcErr *RPCError) Classification {
	switch rpcErr.Name {
	case "REQUEST_VALIDATION_ERROR":
		return Classification{Class: ClassFatal, Reason: "request_validation"}
	case "HANDLER_ERROR":
		return Classification{Class: ClassFatal, Reason: "handler_error"}
	case "INTERNAL_ERROR":
		return Classification{Class: ClassTransient, MinDelay: 500 * time.Millisecond, Reason: "internal_error"}
	}

	if containsRateLimitHint(rpcErr.Message) {
		return Classification{Class: ClassRateLimited, MinDelay: time.Second, Reason: "rate_limit_message"}
	}

	// 节点明确报告且无法归类的错误，换端点也不会有不同结果
	return Classification{Class: ClassFatal, Reason: "rpc_error"}
}

func classifyHTTPError(httpErr *HTTPError) Classification {
	switch {
	case httpErr.StatusCode == http.StatusTooManyRequests:
		return Classification{Class: ClassRateLimited, MinDelay: time.Second, Reason: "http_429"}
	case httpErr.StatusCode == http.StatusRequestTimeout:
		return Classification{Class: ClassTransient, MinDelay: 500 * time.Millisecond, Reason: "http_408"}
	case httpErr.StatusCode >= 500:
		return Classification{Class: ClassTransient, MinDelay: 500 * time.Millisecond, Reason: "http_5xx"}
	case containsRateLimitHint(httpErr.Body):
		return Classification{Class: ClassRateLimited, MinDelay: time.Second, Reason: "rate_limit_message"}
	default:
		// 401/403/404 等：请求或配置问题
		return Classification{Class: ClassFatal, Reason: "http_4xx"}
	}
}

func containsRateLimitHint(s string) bool {
	s = strings.ToLower(s)
	for _, hint := range rateLimitHints {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}

package rpc

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	xproxy "golang.org/x/net/proxy"

	"near-forwarder/config"
)

// Request is one JSON-RPC method invocation.
type Request struct {
	Method string
	Params interface{}
}

// Transport sends a single JSON-RPC request to a single endpoint. It performs
// no retries; the client above it owns retry and endpoint selection.
type Transport interface {
	Send(ctx context.Context, endpointURL string, req *Request) (json.RawMessage, error)
}

type envelope struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// HTTPTransport is the production Transport over net/http, with optional
// http/https/socks5 proxy support.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds the HTTP client from configuration, including the
// outbound proxy when one is enabled.
func NewHTTPTransport(cfg *config.Config) (*HTTPTransport, error) {
	httpTransport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.RPC.Settings.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		// 自行声明 Accept-Encoding 并解码，net/http 的透明 gzip 会被绕过
		DisableCompression: true,
	}

	if cfg.Proxy.Enabled {
		if err := configureProxy(httpTransport, &cfg.Proxy, cfg.RPC.Settings.ConnectTimeout); err != nil {
			return nil, err
		}
	}

	return &HTTPTransport{
		client: &http.Client{
			Timeout:   cfg.RPC.Settings.RequestTimeout,
			Transport: httpTransport,
		},
	}, nil
}

func configureProxy(httpTransport *http.Transport, cfg *config.ProxyConfig, dialTimeout time.Duration) error {
	switch cfg.Type {
	case "http", "https":
		proxyURL, err := proxyURLFromConfig(cfg)
		if err != nil {
			return err
		}
		httpTransport.Proxy = http.ProxyURL(proxyURL)
	case "socks5":
		var auth *xproxy.Auth
		if cfg.Username != "" {
			auth = &xproxy.Auth{User: cfg.Username, Password: cfg.Password}
		}
		address := cfg.URL
		if address == "" {
			address = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		}
		dialer, err := xproxy.SOCKS5("tcp", address, auth, &net.Dialer{Timeout: dialTimeout})
		if err != nil {
			return fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		httpTransport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	default:
		return fmt.Errorf("unsupported proxy type: %s", cfg.Type)
	}
	return nil
}

func proxyURLFromConfig(cfg *config.ProxyConfig) (*url.URL, error) {
	raw := cfg.URL
	if raw == "" {
		raw = fmt.Sprintf("%s://%s:%d", cfg.Type, cfg.Host, cfg.Port)
	}
	proxyURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url %q: %w", raw, err)
	}
	if cfg.Username != "" {
		proxyURL.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return proxyURL, nil
}

// Send posts one JSON-RPC envelope and returns the raw result payload. A
// JSON-RPC error object in the response is returned as *RPCError; a non-2xx
// status as *HTTPError.
func (t *HTTPTransport) Send(ctx context.Context, endpointURL string, req *Request) (json.RawMessage, error) {
	body, err := json.Marshal(envelope{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  req.Method,
		Params:  req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, br")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	reader, err := decodeResponseBody(httpResp)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		// 错误体通常很小，截断读取防御异常响应
		snippet, _ := io.ReadAll(io.LimitReader(reader, 4096))
		return nil, &HTTPError{
			StatusCode: httpResp.StatusCode,
			Status:     httpResp.Status,
			Body:       string(snippet),
		}
	}

	var resp response
	if err := json.NewDecoder(reader).Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// decodeResponseBody 根据 Content-Encoding 解压响应体
func decodeResponseBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		return &brotliReadCloser{reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil
	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gzipReader, nil
	default:
		return resp.Body, nil
	}
}

// brotliReadCloser 为brotli读取器添加Close方法
type brotliReadCloser struct {
	reader *brotli.Reader
	closer io.Closer
}

func (brc *brotliReadCloser) Read(p []byte) (int, error) {
	return brc.reader.Read(p)
}

func (brc *brotliReadCloser) Close() error {
	return brc.closer.Close()
}

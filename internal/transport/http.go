// Package transport implements the outbound HTTP plumbing: a thin POST
// helper shared by the OTLP span exporter and the error exporter. It follows
// dd-trace-go's httpTransport shape (ddtrace/tracer/transport.go:
// newHTTPTransport, defaultHTTPClient), the same fixed-timeout *http.Client
// plus fixed-header-map construction, adapted to this library's bearer-auth
// JSON-over-HTTP collector protocol.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	openTimeout = 5 * time.Second
	ioTimeout   = 10 * time.Second

	libraryName    = "miniapm-go"
	libraryVersion = "0.1.0"
	userAgent      = libraryName + "/" + libraryVersion
)

var defaultDialer = &net.Dialer{
	Timeout:   openTimeout,
	KeepAlive: 30 * time.Second,
}

// NewHTTPClient returns the *http.Client shared by every exporter. It is
// safe for concurrent use by multiple send workers.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         defaultDialer.DialContext,
			TLSHandshakeTimeout: ioTimeout,
		},
		Timeout: openTimeout + ioTimeout,
	}
}

// Result is the outcome of a single POST. Status 0 and a non-nil Err marks
// a transport-level failure (network, timeout, DNS, serialization) that
// never surfaces to the caller as a panic or error return; callers branch
// on Status/Success instead.
type Result struct {
	Status  int
	Body    string
	Success bool
	Err     error

	// NoOp marks a Result that never attempted a send (e.g. no API key
	// configured). It is distinct from a transport failure: callers should
	// treat it as a successful, unauthenticated-is-a-valid-state no-op
	// rather than something worth retrying.
	NoOp bool
}

// Client POSTs JSON payloads to a collector endpoint with bearer auth. It
// holds no per-request state and is safe for concurrent use.
type Client struct {
	HTTPClient *http.Client
	Endpoint   string
	APIKey     string
}

// NewClient builds a Client backed by a shared, timeout-bounded HTTP client.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		HTTPClient: NewHTTPClient(),
		Endpoint:   endpoint,
		APIKey:     apiKey,
	}
}

// Post sends payload (marshaled to JSON unless it is already a string or
// []byte; a nil payload sends an empty body) to url with bearer auth, the library's User-Agent, and any extra headers.
// It never returns an error to the caller: any failure, marshal, request
// construction, dial, timeout, is captured into Result instead.
func (c *Client) Post(url string, payload any, headers map[string]string) Result {
	return c.PostContext(context.Background(), url, payload, headers)
}

// PostContext is Post with a caller-supplied context, for callers (such as
// Healthy) that want to bound or cancel the request beyond the transport's
// own fixed timeouts.
func (c *Client) PostContext(ctx context.Context, url string, payload any, headers map[string]string) Result {
	body, err := encodeBody(payload)
	if err != nil {
		return Result{Success: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Success: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{Success: false, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Status: resp.StatusCode, Success: false, Err: err}
	}
	return Result{
		Status:  resp.StatusCode,
		Body:    string(raw),
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
}

// Healthy issues a no-body authenticated POST to {endpoint}/health and
// reports whether it succeeded.
func (c *Client) Healthy() bool {
	return c.Post(c.Endpoint+"/health", nil, nil).Success
}

// HealthyContext is Healthy bound to ctx for cancellation.
func (c *Client) HealthyContext(ctx context.Context) bool {
	return c.PostContext(ctx, c.Endpoint+"/health", nil, nil).Success
}

func encodeBody(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("transport: encode payload: %w", err)
		}
		return b, nil
	}
}

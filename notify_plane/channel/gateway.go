package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Gateway pushes payloads through a connection-management gateway that holds
// the actual client sockets (API Gateway style): POST {endpoint}/@connections/{id}.
type Gateway struct {
	endpoint string
	token    string
	client   *http.Client
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithToken sends "Authorization: Bearer <token>" on every push.
func WithToken(token string) GatewayOption {
	return func(g *Gateway) { g.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.client = c }
}

// NewGateway creates a gateway channel for the given endpoint.
func NewGateway(endpoint string, timeout time.Duration, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StatusError is a non-2xx answer from the gateway.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// Send posts payload to the subscriber's connection.
// 404 and 410 mean the connection no longer exists and wrap ErrClosed.
func (g *Gateway) Send(ctx context.Context, subscriberID string, payload []byte) error {
	target := g.endpoint + "/@connections/" + url.PathEscape(subscriberID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway post %s: %w", subscriberID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %v", ErrClosed, subscriberID, statusErr)
	}
	return statusErr
}

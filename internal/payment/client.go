package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Result classifies the processor response to a payment submission.
type Result int

const (
	// ResultFailed covers timeouts, connection errors and unexpected statuses.
	ResultFailed Result = iota
	ResultAccepted
	// ResultRejected is the processor saying the correlationId is already resolved (HTTP 422).
	ResultRejected
)

func (r Result) String() string {
	switch r {
	case ResultAccepted:
		return "accepted"
	case ResultRejected:
		return "rejected"
	default:
		return "failed"
	}
}

// ErrRateLimited is returned when the health endpoint answers 429.
var ErrRateLimited = errors.New("processor health endpoint rate limited")

// StatusError reports an unexpected HTTP status from a processor.
type StatusError struct {
	Processor  Processor
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("processor %s returned status %d", e.Processor, e.StatusCode)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	DefaultURL  string
	FallbackURL string
	Token       string
	Timeout     time.Duration
}

// Client talks to both processors. Every Client owns its own transport, so
// giving one Client to each worker keeps their connections separate.
type Client struct {
	httpClient *http.Client
	urls       map[Processor]string
	token      string
}

func NewClient(opts ClientOptions) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4

	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		urls: map[Processor]string{
			ProcessorDefault:  opts.DefaultURL,
			ProcessorFallback: opts.FallbackURL,
		},
		token: opts.Token,
	}
}

// URL returns the base URL of processor p.
func (c *Client) URL(p Processor) string {
	return c.urls[p]
}

// Submit posts the payment to processor p and classifies the response.
// The returned error is non-nil only for ResultFailed.
func (c *Client) Submit(ctx context.Context, p Processor, payload ProcessorPayload) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return ResultFailed, fmt.Errorf("failed to encode payment payload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, p, "/payments", bytes.NewReader(body))
	if err != nil {
		return ResultFailed, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ResultFailed, fmt.Errorf("payment request to %s failed: %w", p, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return ResultAccepted, nil
	case http.StatusUnprocessableEntity:
		return ResultRejected, nil
	default:
		return ResultFailed, &StatusError{Processor: p, StatusCode: resp.StatusCode}
	}
}

// Health calls the processor's service-health endpoint.
func (c *Client) Health(ctx context.Context, p Processor) (*HealthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, p, "/payments/service-health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health request to %s failed: %w", p, err)
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Processor: p, StatusCode: resp.StatusCode}
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response from %s: %w", p, err)
	}
	return &health, nil
}

// AdminSummary fetches the processor's own accounting for the window. Zero
// bounds are left out of the query.
func (c *Client) AdminSummary(ctx context.Context, p Processor, from, to time.Time) (*ProcessorSummary, error) {
	query := url.Values{}
	if !from.IsZero() {
		query.Set("from", from.UTC().Format(TimestampLayout))
	}
	if !to.IsZero() {
		query.Set("to", to.UTC().Format(TimestampLayout))
	}
	path := "/admin/payments-summary"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, p, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("admin summary request to %s failed: %w", p, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Processor: p, StatusCode: resp.StatusCode}
	}

	var summary ProcessorSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("failed to decode admin summary from %s: %w", p, err)
	}
	return &summary, nil
}

func (c *Client) newRequest(ctx context.Context, method string, p Processor, path string, body io.Reader) (*http.Request, error) {
	base, ok := c.urls[p]
	if !ok || base == "" {
		return nil, fmt.Errorf("unknown processor %q", p)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", p, err)
	}
	if c.token != "" {
		req.Header.Set("X-Rinha-Token", c.token)
	}
	return req, nil
}

// drain lets the transport reuse the connection.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

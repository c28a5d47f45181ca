package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/telemetry"
)

const (
	// DefaultTimeout is the default timeout for origin requests.
	DefaultTimeout = 30 * time.Second

	// MaxDocumentSize caps how much of a document body is read.
	MaxDocumentSize = 10 * 1024 * 1024 // 10MB

	userAgent = "salesguide-cache/1.0"
)

// ErrNotFound is returned when the origin has no such document.
var ErrNotFound = errors.New("content: document not found")

// Client fetches content JSON documents from the origin serving the
// static site.
type Client struct {
	baseURL string
	client  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a client for the origin at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "content"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchDocument retrieves <doc>.json from the origin and returns the raw
// body after verifying it parses as JSON. Returns ErrNotFound on 404.
func (c *Client) FetchDocument(ctx context.Context, doc string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/%s.json", c.baseURL, doc)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, doc)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if len(body) > MaxDocumentSize {
		return nil, fmt.Errorf("fetching %s: document exceeds %d bytes", url, MaxDocumentSize)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("fetching %s: response is not valid JSON", url)
	}

	return body, nil
}

// Package lookup calls the upstream lookup service that access keys unlock.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/devicegate/devicegate/internal/metrics"
)

var (
	// ErrUnknownEndpoint is returned for an endpoint id not in the catalogue.
	ErrUnknownEndpoint = errors.New("unknown lookup endpoint")
	// ErrEmptyValue is returned when no lookup value is given.
	ErrEmptyValue = errors.New("lookup value is required")
	// ErrUpstream wraps failures of the upstream service.
	ErrUpstream = errors.New("upstream lookup failed")
)

const (
	DefaultTimeout = 15 * time.Second

	maxResponseBytes = 4 << 20
)

// Endpoint is one lookup offered to key holders.
type Endpoint struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	Parameter   string `json:"parameter"`
	Description string `json:"description,omitempty"`
}

// Client fetches lookups from a base URL.
type Client struct {
	baseURL   string
	client    *http.Client
	endpoints []Endpoint
	byID      map[string]Endpoint
	logger    *slog.Logger
}

// NewClient creates a client for the given catalogue.
func NewClient(baseURL string, endpoints []Endpoint, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byID[ep.ID] = ep
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		endpoints: endpoints,
		byID:      byID,
		logger:    logger.With("component", "lookup"),
	}
}

// Endpoints returns the catalogue in configuration order.
func (c *Client) Endpoints() []Endpoint {
	out := make([]Endpoint, len(c.endpoints))
	copy(out, c.endpoints)
	return out
}

// Endpoint returns the catalogue entry for id.
func (c *Client) Endpoint(id string) (Endpoint, error) {
	ep, ok := c.byID[id]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownEndpoint, id)
	}
	return ep, nil
}

// Fetch performs GET {base}{path}?{parameter}={value} and returns the JSON
// body unchanged.
func (c *Client) Fetch(ctx context.Context, endpointID, value string) (json.RawMessage, error) {
	ep, err := c.Endpoint(endpointID)
	if err != nil {
		return nil, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrEmptyValue
	}

	start := time.Now()
	body, status, err := c.get(ctx, ep, value)
	metrics.LookupRequestDuration.WithLabelValues(ep.ID, status).Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("lookup failed", "endpoint", ep.ID, "status", status, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, ep Endpoint, value string) (json.RawMessage, string, error) {
	u := c.baseURL + ep.Path + "?" + url.Values{ep.Parameter: {value}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "error", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "error", err
	}
	defer resp.Body.Close()
	status := strconv.Itoa(resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, status, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, status, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if !json.Valid(data) {
		return nil, status, errors.New("response is not valid JSON")
	}
	return json.RawMessage(data), status, nil
}

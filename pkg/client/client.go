// Package client reads the status API of a running healer agent.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrUnhealthy is returned by Check when the agent reports a problem.
var ErrUnhealthy = errors.New("node unhealthy")

// Client talks to one agent.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path, e.g. the agent's generated tls.crt
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8089/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. A TLS setup error is returned rather than silently
// falling back to an unverified connection.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tc, err := setupClientTLS(*config.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

func setupClientTLS(cfg TLSClientConfig) (*tls.Config, error) {
	// #nosec G402 skip verify is an explicit operator choice
	tc := &tls.Config{InsecureSkipVerify: cfg.SkipVerify, ServerName: cfg.ServerName, MinVersion: tls.VersionTLS12}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Status returns the last finished cycle.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.get(ctx, "/status", nil, &s)
	return s, err
}

// Check asks the agent to observe the node once. It returns ErrUnhealthy
// wrapping the agent's reason when the node is not healthy.
func (c *Client) Check(ctx context.Context) error {
	var r checkResponse
	err := c.get(ctx, "/check", nil, &r)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: %s", ErrUnhealthy, apiErr.Message)
	}
	return err
}

func (c *Client) Actions(ctx context.Context, q ActionQuery) ([]Action, error) {
	v := url.Values{}
	if q.Target != "" {
		v.Set("target", q.Target)
	}
	if q.Action != "" {
		v.Set("action", q.Action)
	}
	if q.Since > 0 {
		v.Set("since", q.Since.String())
	}
	setLimit(v, q.Limit)
	var out []Action
	err := c.get(ctx, "/actions", v, &out)
	return out, err
}

func (c *Client) Failures(ctx context.Context, service string, limit int) ([]Failure, error) {
	v := url.Values{}
	if service != "" {
		v.Set("service", service)
	}
	setLimit(v, limit)
	var out []Failure
	err := c.get(ctx, "/failures", v, &out)
	return out, err
}

func (c *Client) Reboots(ctx context.Context, limit int) ([]Reboot, error) {
	v := url.Values{}
	setLimit(v, limit)
	var out []Reboot
	err := c.get(ctx, "/reboots", v, &out)
	return out, err
}

// Updates lists update events; active limits it to bundles still staging.
func (c *Client) Updates(ctx context.Context, active bool, limit int) ([]Update, error) {
	v := url.Values{}
	if active {
		v.Set("active", "true")
	}
	setLimit(v, limit)
	var out []Update
	err := c.get(ctx, "/updates", v, &out)
	return out, err
}

func setLimit(v url.Values, limit int) {
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
}

// APIError is a non-2xx answer of the agent.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// both error shapes carry "error"
		var er ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

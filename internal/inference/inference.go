package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusError is returned when the management API answers with a non-2xx code.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("inference %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("inference %s: status %d: %s", e.Op, e.Code, e.Body)
}

// Config is the inference section of the configuration.
type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	Token        string        `mapstructure:"token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CachePath    string        `mapstructure:"cache_path"`
	SessionPath  string        `mapstructure:"session_path"`
	UnloadPath   string        `mapstructure:"unload_path"`
	ThrottlePath string        `mapstructure:"throttle_path"`
	HealthPath   string        `mapstructure:"health_path"`
	// Service is the monitored service restarted when a graceful call fails.
	Service string `mapstructure:"service"`
}

// DefaultTimeout bounds every management call.
const DefaultTimeout = 5 * time.Second

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CachePath == "" {
		c.CachePath = "/admin/cache/clear"
	}
	if c.SessionPath == "" {
		c.SessionPath = "/admin/session/reset"
	}
	if c.UnloadPath == "" {
		c.UnloadPath = "/admin/session/unload"
	}
	if c.ThrottlePath == "" {
		c.ThrottlePath = "/admin/throttle"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Client talks to the inference service management interface. A call that
// errors, times out or returns non-2xx is reported as an error; callers fall
// back to a more invasive step.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Enabled reports whether a management endpoint is configured.
func (c *Client) Enabled() bool { return c != nil && c.cfg.BaseURL != "" }

func (c *Client) Service() string { return c.cfg.Service }

type request struct {
	Model   string `json:"model,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func (c *Client) post(ctx context.Context, op, path string, body request) error {
	if !c.Enabled() {
		return fmt.Errorf("inference %s: management endpoint not configured", op)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inference %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}

// ClearCache drops cached KV/prompt state without disrupting sessions.
func (c *Client) ClearCache(ctx context.Context) error {
	return c.post(ctx, "cache clear", c.cfg.CachePath, request{Model: c.cfg.Model})
}

// ResetSession resets the active serving session.
func (c *Client) ResetSession(ctx context.Context) error {
	return c.post(ctx, "session reset", c.cfg.SessionPath, request{Model: c.cfg.Model})
}

// Unload unloads the model, freeing its memory.
func (c *Client) Unload(ctx context.Context) error {
	return c.post(ctx, "unload", c.cfg.UnloadPath, request{Model: c.cfg.Model})
}

// Throttle enables or disables request throttling.
func (c *Client) Throttle(ctx context.Context, enable bool) error {
	return c.post(ctx, "throttle", c.cfg.ThrottlePath, request{Model: c.cfg.Model, Enabled: &enable})
}

// HealthURL is the endpoint probed by the liveness check.
func (c *Client) HealthURL() string {
	if !c.Enabled() {
		return ""
	}
	return c.cfg.BaseURL + c.cfg.HealthPath
}

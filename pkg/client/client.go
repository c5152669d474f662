package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client provides HTTP client functionality to communicate with the vigil daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// DefaultTLSConfig returns default TLS client configuration
func DefaultTLSConfig() Config {
	return Config{
		BaseURL: "https://localhost:8080/api",
		Timeout: 10 * time.Second,
		TLS: &TLSClientConfig{
			Enabled: true,
		},
	}
}

// InsecureConfig returns insecure client configuration (skip TLS verification)
func InsecureConfig() Config {
	return Config{
		BaseURL:  "https://localhost:8080/api",
		Timeout:  10 * time.Second,
		Insecure: true,
	}
}

// New creates a new vigil API client with TLS support
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// Start asks the daemon to start an agent from the given spec.
func (c *Client) Start(ctx context.Context, spec Spec, opts StartOptions) error {
	c.logger.Debug("Starting agent", "name", spec.Name, "command", spec.Command)
	q := url.Values{}
	q.Set("force", strconv.FormatBool(opts.Force))
	q.Set("hot_reload", strconv.FormatBool(opts.HotReload))
	q.Set("detach", strconv.FormatBool(opts.Detach))
	return c.do(ctx, http.MethodPost, "/start", q, spec, nil)
}

// Stop stops one agent by name.
func (c *Client) Stop(ctx context.Context, name string, force bool, wait time.Duration) error {
	c.logger.Debug("Stopping agent", "name", name, "force", force)
	q := url.Values{}
	q.Set("name", name)
	q.Set("force", strconv.FormatBool(force))
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	return c.do(ctx, http.MethodPost, "/stop", q, nil, nil)
}

// StopMatch stops agents whose name matches the wildcard pattern.
func (c *Client) StopMatch(ctx context.Context, wildcard string, force bool, wait time.Duration) ([]StopResult, error) {
	c.logger.Debug("Stopping agents", "wildcard", wildcard, "force", force)
	q := url.Values{}
	q.Set("wildcard", wildcard)
	q.Set("force", strconv.FormatBool(force))
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var results []StopResult
	if err := c.do(ctx, http.MethodPost, "/stop", q, nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// StopAll stops every agent the daemon knows about.
func (c *Client) StopAll(ctx context.Context, force bool, wait time.Duration) ([]StopResult, error) {
	c.logger.Debug("Stopping all agents", "force", force)
	q := url.Values{}
	q.Set("all", "true")
	q.Set("force", strconv.FormatBool(force))
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var results []StopResult
	if err := c.do(ctx, http.MethodPost, "/stop", q, nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Restart stops and starts one agent; hotReload sends the reload signal
// instead when the agent supports it.
func (c *Client) Restart(ctx context.Context, name string, hotReload, force bool, wait time.Duration) error {
	c.logger.Debug("Restarting agent", "name", name, "hot_reload", hotReload)
	q := url.Values{}
	q.Set("name", name)
	q.Set("hot_reload", strconv.FormatBool(hotReload))
	q.Set("force", strconv.FormatBool(force))
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	return c.do(ctx, http.MethodPost, "/restart", q, nil, nil)
}

// Status returns the daemon's view of one agent.
func (c *Client) Status(ctx context.Context, name string) (AgentStatus, error) {
	q := url.Values{}
	q.Set("name", name)
	var st AgentStatus
	if err := c.do(ctx, http.MethodGet, "/status", q, nil, &st); err != nil {
		return AgentStatus{}, err
	}
	return st, nil
}

// StatusMatch returns statuses for agents matching the wildcard pattern.
func (c *Client) StatusMatch(ctx context.Context, wildcard string) ([]AgentStatus, error) {
	q := url.Values{}
	q.Set("wildcard", wildcard)
	var sts []AgentStatus
	if err := c.do(ctx, http.MethodGet, "/status", q, nil, &sts); err != nil {
		return nil, err
	}
	return sts, nil
}

// StatusAll returns statuses for every agent the daemon knows about.
func (c *Client) StatusAll(ctx context.Context) ([]AgentStatus, error) {
	var sts []AgentStatus
	if err := c.do(ctx, http.MethodGet, "/status", nil, nil, &sts); err != nil {
		return nil, err
	}
	return sts, nil
}

// Reconcile triggers one registry reconciliation sweep.
func (c *Client) Reconcile(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/debug/reconcile", nil, nil, nil)
}

// Resources returns the latest resource sample per agent, keyed by name.
func (c *Client) Resources(ctx context.Context) (map[string]ResourceUsage, error) {
	var usage map[string]ResourceUsage
	if err := c.do(ctx, http.MethodGet, "/debug/resources", nil, nil, &usage); err != nil {
		return nil, err
	}
	return usage, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in for self-signed daemons
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in for self-signed daemons
		}

		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}

		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}

		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath) // #nosec G304 operator-supplied CA path
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs one API request. A non-nil body is sent as JSON; a non-nil
// out receives the decoded 200 response.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("API request failed", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}

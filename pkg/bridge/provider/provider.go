// Package provider is the REST control plane of the telephony provider:
// hanging calls up and starting recordings outside the media stream.
package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config identifies the provider account. BaseURL carries the API version
// prefix, e.g. "https://api.twilio.com/2010-04-01".
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	Timeout    time.Duration
}

// Client issues control requests against the provider account. All calls are
// best-effort from the bridge's point of view; the media stream remains the
// source of truth for call state.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("provider credentials are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// EndCall asks the provider to complete the call. The caller hears the call
// drop; the media stream then emits its stop frame.
func (c *Client) EndCall(ctx context.Context, callSID string) error {
	if strings.TrimSpace(callSID) == "" {
		return fmt.Errorf("call sid is required")
	}
	form := url.Values{}
	form.Set("Status", "completed")
	path := fmt.Sprintf("/Accounts/%s/Calls/%s.json", c.cfg.AccountSID, callSID)
	return c.post(ctx, path, form)
}

// StartRecording begins a dual-channel recording of the call.
func (c *Client) StartRecording(ctx context.Context, callSID string) error {
	if strings.TrimSpace(callSID) == "" {
		return fmt.Errorf("call sid is required")
	}
	form := url.Values{}
	form.Set("RecordingChannels", "dual")
	path := fmt.Sprintf("/Accounts/%s/Calls/%s/Recordings.json", c.cfg.AccountSID, callSID)
	return c.post(ctx, path, form)
}

func (c *Client) post(ctx context.Context, path string, form url.Values) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.Warn("provider request rejected",
			"path", path, "status", resp.StatusCode)
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// File: internal/browser/provisioner.go
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ProvisioningError wraps failures talking to the remote browser service.
// Tasks failing with this kind are retryable at the scheduler level.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("browser provisioning %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Provisioner allocates and destroys fingerprinted browser profiles on the
// remote provisioning service.
type Provisioner interface {
	CreateProfile(ctx context.Context, name string, proxy *ProxyParams) (string, error)
	OpenProfile(ctx context.Context, profileID string) (wsEndpoint string, err error)
	CloseProfile(ctx context.Context, profileID string) error
	DeleteProfile(ctx context.Context, profileID string) error
}

// apiResponse is the service's uniform envelope.
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// Client is the HTTP implementation of Provisioner.
type Client struct {
	apiURL       string
	httpClient   *http.Client
	openTimeout  time.Duration
	pluginAPIKey string
	logger       *zap.Logger
}

// NewClient builds a provisioning client for the given service endpoint.
// pluginAPIKey, when non-empty, is handed to the captcha resolver extension
// the service injects into each profile.
func NewClient(apiURL string, openTimeout time.Duration, pluginAPIKey string, logger *zap.Logger) *Client {
	return &Client{
		apiURL:       apiURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		openTimeout:  openTimeout,
		pluginAPIKey: pluginAPIKey,
		logger:       logger.Named("provisioner"),
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, timeout time.Duration) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		msg := envelope.Msg
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("service rejected request: %s", msg)
	}
	return envelope.Data, nil
}

// CreateProfile registers a new browser profile with a random fingerprint
// and the given upstream proxy, returning the profile ID.
func (c *Client) CreateProfile(ctx context.Context, name string, proxy *ProxyParams) (string, error) {
	// An empty browserFingerPrint object asks the service for a random
	// fingerprint. proxyMethod 2 means a custom upstream proxy.
	payload := map[string]any{
		"name":               name,
		"remark":             "created by unlock-cli",
		"browserFingerPrint": map[string]any{},
		"proxyMethod":        2,
	}
	if proxy != nil {
		payload["proxyType"] = "socks5"
		payload["host"] = proxy.Host
		payload["port"] = strconv.Itoa(proxy.Port)
		if proxy.Username != "" {
			payload["proxyUserName"] = proxy.Username
		}
		if proxy.Password != "" {
			payload["proxyPassword"] = proxy.Password
		}
	} else {
		payload["proxyType"] = "noproxy"
	}
	if c.pluginAPIKey != "" {
		payload["extensionConfig"] = map[string]string{"captchaResolverApiKey": c.pluginAPIKey}
	}

	data, err := c.post(ctx, "/browser/update", payload, 0)
	if err != nil {
		return "", &ProvisioningError{Op: "create", Err: err}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.ID == "" {
		return "", &ProvisioningError{Op: "create", Err: fmt.Errorf("response missing profile id")}
	}
	c.logger.Debug("Profile created", zap.String("profile_id", out.ID), zap.String("name", name))
	return out.ID, nil
}

// OpenProfile launches the profile's browser window and returns the CDP
// websocket endpoint to attach to.
func (c *Client) OpenProfile(ctx context.Context, profileID string) (string, error) {
	data, err := c.post(ctx, "/browser/open", map[string]any{"id": profileID}, c.openTimeout)
	if err != nil {
		return "", &ProvisioningError{Op: "open", Err: err}
	}

	var out struct {
		WS string `json:"ws"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.WS == "" {
		return "", &ProvisioningError{Op: "open", Err: fmt.Errorf("response missing ws endpoint")}
	}
	c.logger.Debug("Profile opened", zap.String("profile_id", profileID))
	return out.WS, nil
}

// CloseProfile shuts the profile's browser window.
func (c *Client) CloseProfile(ctx context.Context, profileID string) error {
	if _, err := c.post(ctx, "/browser/close", map[string]any{"id": profileID}, 0); err != nil {
		return &ProvisioningError{Op: "close", Err: err}
	}
	return nil
}

// DeleteProfile removes the profile configuration from the service.
func (c *Client) DeleteProfile(ctx context.Context, profileID string) error {
	if _, err := c.post(ctx, "/browser/delete", map[string]any{"id": profileID}, 0); err != nil {
		return &ProvisioningError{Op: "delete", Err: err}
	}
	return nil
}

// Package client talks to the course feedback API on behalf of a tab.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/coursepulse/internal/models"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Config holds common client configuration
type Config struct {
	ServerURL string
	Timeout   time.Duration
	CacheDir  string // empty keeps the HTTP cache in memory
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		Timeout:   30 * time.Second,
	}
}

// APIError is a non-2xx response other than 401.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Option configures a Client.
type Option func(*options)

type options struct {
	base http.RoundTripper
	wrap func(http.RoundTripper) http.RoundTripper
}

// WithBaseTransport replaces http.DefaultTransport beneath the cache.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.base = rt
	}
}

// WithResponseHook wraps the caching transport, outermost in the chain. Tabs
// use it to install the auth boundary.
func WithResponseHook(wrap func(http.RoundTripper) http.RoundTripper) Option {
	return func(o *options) {
		o.wrap = wrap
	}
}

// Client calls the authentication and settings endpoints.
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// New creates a client whose transport chain is hook → cache → base.
func New(config Config, opts ...Option) *Client {
	o := &options{base: http.DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}

	var rt http.RoundTripper = NewCachingTransport(config.CacheDir, o.base)
	if o.wrap != nil {
		rt = o.wrap(rt)
	}

	return &Client{
		serverURL: strings.TrimSuffix(config.ServerURL, "/"),
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: rt,
		},
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges credentials for a session record. Rejected credentials
// return ErrUnauthenticated.
func (c *Client) Login(ctx context.Context, email, password string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", "", loginRequest{Email: email, Password: password}, &rec); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("login returned invalid session: %w", err)
	}
	return &rec, nil
}

// Logout revokes identity on the server.
func (c *Client) Logout(ctx context.Context, identity string) error {
	if err := c.do(ctx, http.MethodPost, "/api/auth/logout", identity, nil, nil); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	return nil
}

// Me returns the session record the server holds for identity.
func (c *Client) Me(ctx context.Context, identity string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	if err := c.do(ctx, http.MethodGet, "/api/me", identity, nil, &rec); err != nil {
		return nil, fmt.Errorf("failed to fetch identity: %w", err)
	}
	return &rec, nil
}

// Settings fetches the application settings.
func (c *Client) Settings(ctx context.Context) (*models.Settings, error) {
	var settings models.Settings
	if err := c.do(ctx, http.MethodGet, "/api/settings", "", nil, &settings); err != nil {
		return nil, fmt.Errorf("failed to fetch settings: %w", err)
	}
	return &settings, nil
}

// PutSettings replaces the application settings. Requires an admin identity.
func (c *Client) PutSettings(ctx context.Context, identity string, settings *models.Settings) (*models.Settings, error) {
	var updated models.Settings
	if err := c.do(ctx, http.MethodPut, "/api/settings", identity, settings, &updated); err != nil {
		return nil, fmt.Errorf("failed to update settings: %w", err)
	}
	return &updated, nil
}

func (c *Client) do(ctx context.Context, method, path, identity string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+identity)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Bool("cached", resp.Header.Get("X-From-Cache") == "1").
		Msg("API request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func decodeError(resp *http.Response) error {
	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthenticated, body.Error)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}

// Package chatsync is a client for a real-time chat service: HTTP authentication and
// directory endpoints, a reconnecting socket connection, and a cache of users and
// messages kept in sync by inbound events and optimistic sends.
//
// Example:
//
//	eng, _ := chatsync.NewEngine(chatsync.Options{BaseURL: "http://localhost:8000"})
//	defer eng.Stop()
//
//	eng.On(chatsync.EventNewMessage, func(_ string, p any) {
//		m := p.(chatsync.Message)
//		fmt.Println(m.Sender, m.Text())
//	})
//	_, _ = eng.Login(ctx, "alice", "secret")
//	_ = eng.Start(ctx)
//	_, _ = eng.Send(ctx, chatsync.Draft{Recipient: "bob", Content: "hi"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 10 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	mu             sync.RWMutex
	token          string
	onUnauthorized func(token string)
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client. The token may be empty until Login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// SetToken sets or clears the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// OnUnauthorized installs the hook run whenever a request is answered with 401.
// The hook receives the token the rejected request carried.
func (c *Client) OnUnauthorized(fn func(token string)) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	token := c.Token()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Detail == "" {
			apiErr.Detail = strings.TrimSpace(string(data))
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.mu.RLock()
			hook := c.onUnauthorized
			c.mu.RUnlock()
			if hook != nil {
				hook(token)
			}
		}
		return nil, apiErr
	}
	return data, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any) ([]byte, error) {
	if body == nil {
		return c.doRequest(ctx, method, path, nil, "")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.doRequest(ctx, method, path, bytes.NewReader(b), "application/json")
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges credentials for an access token. The client's token is not changed;
// SessionManager does that.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	data, err := c.doRequest(ctx, http.MethodPost, "/api/login", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[AuthResponse](data)
	if err != nil {
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, &APIError{Status: http.StatusOK, Detail: "login response without access_token"}
	}
	return res, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, reg *Registration) (*RegisterResult, error) {
	data, err := c.doJSON(ctx, http.MethodPost, "/register", reg)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[RegisterResult](data)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, &APIError{Status: http.StatusOK, Detail: res.Detail}
	}
	return res, nil
}

// ============================================================================
// Directory
// ============================================================================

// UsersMap fetches the current user and every known user.
func (c *Client) UsersMap(ctx context.Context) (*Directory, error) {
	data, err := c.doJSON(ctx, http.MethodGet, "/api/users_map", nil)
	if err != nil {
		return nil, err
	}
	d, err := decodeJSON[Directory](data)
	if err != nil {
		return nil, err
	}
	if d.UserMap == nil {
		d.UserMap = make(map[string]UserRecord)
	}
	return d, nil
}

// Groups fetches the groups visible to the current user.
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	data, err := c.doJSON(ctx, http.MethodGet, "/api/groups", nil)
	if err != nil {
		return nil, err
	}
	groups, err := decodeJSON[[]Group](data)
	if err != nil {
		return nil, err
	}
	return *groups, nil
}

// GetMessages fetches the history of one conversation, oldest first.
func (c *Client) GetMessages(ctx context.Context, chatID string) ([]Message, error) {
	data, err := c.doJSON(ctx, http.MethodPost, "/api/get_messages", map[string]string{"chat_id": chatID})
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		msgs, err := decodeJSON[[]Message](data)
		if err != nil {
			return nil, err
		}
		return *msgs, nil
	}
	wrapped, err := decodeJSON[struct {
		Content []Message `json:"content"`
	}](data)
	if err != nil {
		return nil, err
	}
	return wrapped.Content, nil
}

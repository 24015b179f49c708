package client

import (
	"bytes"
	"context"
	"crypto/tls"
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

	"github.com/InsulaLabs/parley/db/models"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultUserHeader = "X-Parley-User"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrRateLimited = errors.New("rate limited")
)

type Config struct {
	// BaseURL is the server root, e.g. http://127.0.0.1:8450.
	BaseURL string
	// User is sent in UserHeader on every request. In production an auth
	// proxy sets the header; the client sets it for tools and tests.
	User       string
	UserHeader string
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Client talks to one parley server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	user       string
	userHeader string
	timeout    time.Duration
	skipVerify bool
	logger     *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("baseURL cannot be empty")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL '%s': %w", cfg.BaseURL, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", baseURL.Scheme)
	}
	if cfg.UserHeader == "" {
		cfg.UserHeader = defaultUserHeader
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	logger := cfg.Logger.WithGroup("parley_client")

	// Transfers can take longer than any fixed timeout, so requests are
	// bounded through their context instead.
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
		},
	}

	logger.Debug("Parley client initialized", "base_url", baseURL.String(), "user", cfg.User)
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		user:       cfg.User,
		userHeader: cfg.UserHeader,
		timeout:    cfg.Timeout,
		skipVerify: cfg.SkipVerify,
		logger:     logger,
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s %s: %w", method, path, err)
	}
	req.Header.Set(c.userHeader, c.user)
	return req, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// doJSON sends body as JSON and decodes the answer into target.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, target any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, query, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := decodeError(resp)
		c.logger.Debug("Request failed", "method", method, "path", path, "error", err)
		return err
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode response for %s %s: %w", method, path, err)
	}
	return nil
}

type Status struct {
	Users       int    `json:"users"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
	StartedAt   string `json:"startedAt"`
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, nil, &st)
	return st, err
}

// CreateConversation starts a conversation between the client's user and members.
func (c *Client) CreateConversation(ctx context.Context, members ...string) (models.Conversation, error) {
	var conv models.Conversation
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/conversations", nil, map[string][]string{"members": members}, &conv)
	return conv, err
}

// Conversations lists the conversations the client's user takes part in.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var rsp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/conversations", nil, nil, &rsp)
	return rsp.Conversations, err
}

type postMessageRequest struct {
	Content string `json:"content"`
	Nonce   *int64 `json:"nonce,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// PostMessage sends content to a conversation. nonce is echoed back to the
// user's other connections; origin, when set, is the connection id (from
// Listen's hello) that should not get the echo. delivered reports whether
// every other member was online.
func (c *Client) PostMessage(ctx context.Context, conversationID, content string, nonce *int64, origin string) (models.Message, bool, error) {
	var rsp struct {
		Message   models.Message `json:"message"`
		Delivered bool           `json:"delivered"`
	}
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	err := c.doJSON(ctx, http.MethodPost, path, nil, postMessageRequest{Content: content, Nonce: nonce, Origin: origin}, &rsp)
	return rsp.Message, rsp.Delivered, err
}

// Messages pages backwards through a conversation. An empty before starts at
// the newest message; limit 0 uses the server default.
func (c *Client) Messages(ctx context.Context, conversationID, before string, limit int) ([]models.Message, error) {
	query := url.Values{}
	if before != "" {
		query.Set("before", before)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var rsp struct {
		Messages []models.Message `json:"messages"`
	}
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	err := c.doJSON(ctx, http.MethodGet, path, query, nil, &rsp)
	return rsp.Messages, err
}

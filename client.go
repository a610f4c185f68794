// Package supertrack provides the official Go SDK for the Supertrack AI
// Platform's communication layer.
//
// Covers the retrying request client, the reconnecting socket client, the
// server-push stream client, and the notification service composed on top
// of the socket.
//
// Example:
//
//	client := supertrack.NewClient("st-token-...")
//
//	// Request/response
//	health, _ := client.Health(ctx)
//
//	// Realtime (socket factory pattern)
//	socket := client.ConnectSocket(supertrack.SocketConfig{})
//	off := socket.On(supertrack.EventTaskCompleted, func(eventType string, payload json.RawMessage) {
//		// ...
//	})
//	defer off()
//	_ = socket.Connect(ctx)
//
//	// Notifications
//	svc, _ := supertrack.NewNotificationService(socket, nil)
//	_ = svc.Connect(ctx)
package supertrack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL        = "http://localhost:7071/api"
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 1 * time.Second
)

// envBaseURL is the environment variable consulted when no base URL option
// is given.
const envBaseURL = "SUPERTRACK_API_URL"

// ============================================================================
// Client
// ============================================================================

// Client issues request/response calls with bearer-token injection and
// transient-failure retry. Each instance owns its own token state.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryBaseDelay time.Duration
	log            zerolog.Logger

	tokenMu sync.RWMutex
	token   string

	notifications *NotificationsAPI

	// sleep waits out retry backoff; tests substitute it.
	sleep func(ctx context.Context, d time.Duration) error
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

func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

func WithRetryBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.retryBaseDelay = d }
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a Supertrack API client.
// token may be empty for unauthenticated endpoints.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:          token,
		baseURL:        resolveBaseURL(),
		maxRetries:     DefaultMaxRetries,
		retryBaseDelay: DefaultRetryBaseDelay,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log:   zerolog.Nop(),
		sleep: sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.notifications = &NotificationsAPI{client: c}
	return c
}

func resolveBaseURL() string {
	if u := os.Getenv(envBaseURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	return DefaultBaseURL
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetAuthToken sets or clears the bearer token used by all subsequent calls
// on this instance.
func (c *Client) SetAuthToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) authToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// ============================================================================
// Call options
// ============================================================================

type callOptions struct {
	skipRetry bool
	skipAuth  bool
	query     url.Values
}

// CallOption overrides request behavior for a single call.
type CallOption func(*callOptions)

// SkipRetry disables the retry policy for one call.
func SkipRetry() CallOption {
	return func(o *callOptions) { o.skipRetry = true }
}

// SkipAuth omits the Authorization header for one call.
func SkipAuth() CallOption {
	return func(o *callOptions) { o.skipAuth = true }
}

// WithQuery adds a query parameter to one call.
func WithQuery(key, value string) CallOption {
	return func(o *callOptions) {
		if o.query == nil {
			o.query = url.Values{}
		}
		o.query.Set(key, value)
	}
}

// ============================================================================
// Request methods
// ============================================================================

// Get issues a GET request to path.
func (c *Client) Get(ctx context.Context, path string, opts ...CallOption) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...CallOption) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, body, opts)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...CallOption) ([]byte, error) {
	return c.do(ctx, http.MethodPut, path, body, opts)
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...CallOption) ([]byte, error) {
	return c.do(ctx, http.MethodPatch, path, body, opts)
}

// Delete issues a DELETE request to path.
func (c *Client) Delete(ctx context.Context, path string, opts ...CallOption) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, nil, opts)
}

// do runs the retry loop around send. The delay before the k-th retry is
// retryBaseDelay doubled k times; the retry count never exceeds maxRetries.
func (c *Client) do(ctx context.Context, method, path string, body any, opts []CallOption) ([]byte, error) {
	co := &callOptions{}
	for _, opt := range opts {
		opt(co)
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	retries := 0
	for {
		data, status, err := c.send(ctx, method, path, payload, co)
		if err == nil && status < 400 {
			return data, nil
		}

		apiErr := newAPIError(status, data, err)
		if co.skipRetry || !retryable(status, err) || retries >= c.maxRetries {
			return nil, apiErr
		}

		delay := c.retryBaseDelay * (1 << retries)
		retries++
		c.log.Debug().Str("method", method).Str("path", path).
			Int("retry", retries).Dur("delay", delay).Msg("retrying request")

		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, apiErr
		}
	}
}

// send performs one wire attempt. A zero status with a non-nil error means
// no response was received.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, co *callOptions) ([]byte, int, error) {
	u := c.baseURL + path
	if len(co.query) > 0 {
		u += "?" + co.query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !co.skipAuth {
		if token := c.authToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

// retryable classifies one failed attempt: transport failures count as
// transient unless the caller canceled, responses only when 5xx.
func retryable(status int, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	return status >= 500 && status <= 599
}

// newAPIError normalizes a failed call. Message prefers the server's
// message or error field when the body carries one.
func newAPIError(status int, body []byte, cause error) *APIError {
	msg := ""
	if len(body) > 0 {
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil {
			msg = payload.Message
			if msg == "" {
				msg = payload.Error
			}
		}
	}
	if msg == "" {
		switch {
		case cause != nil:
			msg = cause.Error()
		case status != 0:
			msg = http.StatusText(status)
		default:
			msg = "no response"
		}
	}
	return &APIError{Status: status, Message: msg, Body: string(body)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Platform endpoints
// ============================================================================

// Health reports platform availability.
func (c *Client) Health(ctx context.Context) (*HealthResult, error) {
	data, err := c.Get(ctx, "/health")
	if err != nil {
		return nil, err
	}
	return decodeJSON[HealthResult](data)
}

// NotificationsAPI is the REST mirror of the notification feed, used for
// read-state sync when the socket is not available.
type NotificationsAPI struct {
	client *Client
}

// Notifications returns the notifications API sub-client.
func (c *Client) Notifications() *NotificationsAPI {
	return c.notifications
}

// List fetches the notification feed, newest first.
func (n *NotificationsAPI) List(ctx context.Context) (*NotificationListResult, error) {
	data, err := n.client.Get(ctx, "/notifications")
	if err != nil {
		return nil, err
	}
	return decodeJSON[NotificationListResult](data)
}

// MarkRead marks one notification as read.
func (n *NotificationsAPI) MarkRead(ctx context.Context, id string) error {
	body := map[string]any{"notificationId": id, "read": true}
	_, err := n.client.Post(ctx, "/notifications/"+url.PathEscape(id)+"/read", body)
	return err
}

// MarkAllRead marks every notification as read.
func (n *NotificationsAPI) MarkAllRead(ctx context.Context) error {
	_, err := n.client.Post(ctx, "/notifications/read-all", map[string]any{"allRead": true})
	return err
}

// ============================================================================
// Realtime factories
// ============================================================================

// SocketURL derives the realtime WebSocket endpoint from the base URL.
func (c *Client) SocketURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// StreamURL derives the server-push stream endpoint from the base URL.
func (c *Client) StreamURL() string {
	return c.baseURL + "/events"
}

// ConnectSocket creates a SocketClient bound to this client's endpoint and
// token. Call Connect to establish the connection.
func (c *Client) ConnectSocket(config SocketConfig) *SocketClient {
	if config.Token == "" {
		config.Token = c.authToken()
	}
	return NewSocketClient(c.SocketURL(), config)
}

// ConnectStream creates a StreamClient bound to this client's endpoint and
// token. Call Connect to open the stream.
func (c *Client) ConnectStream(config StreamConfig) *StreamClient {
	if config.Token == "" {
		config.Token = c.authToken()
	}
	return NewStreamClient(c.StreamURL(), config)
}

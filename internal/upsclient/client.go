package upsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"upsrouter/internal/api"
	"upsrouter/internal/ups"
)

// ErrUnavailable reports that no router is reachable at the configured address.
var ErrUnavailable = errors.New("ups-rs API unavailable")

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the router.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ups-rs API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("ups-rs API returned status %d: %s", e.StatusCode, e.Message)
}

// Client issues UPS-RS requests against one router.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithTimeout bounds each request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New builds a client for addr, which is either host:port or a full URL with
// an optional path prefix. An empty addr yields a nil client whose calls
// return ErrUnavailable.
func New(addr string, opts ...Option) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse router address: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("router address %q has no host", addr)
	}
	base.RawQuery = ""
	base.Fragment = ""

	c := &Client{
		base: strings.TrimRight(base.String(), "/"),
		http: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health checks the unauthenticated liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, "")
	return err
}

// Create asks the router to schedule a new workitem.
func (c *Client) Create(ctx context.Context, req api.CreateWorkitemRequest) (*ups.Workitem, error) {
	body, err := c.do(ctx, http.MethodPost, "/ups-rs/workitems", req, ups.MediaType)
	if err != nil {
		return nil, err
	}
	return ups.Decode(body)
}

// Get fetches one workitem.
func (c *Client) Get(ctx context.Context, uid string) (*ups.Workitem, error) {
	body, err := c.do(ctx, http.MethodGet, workitemPath(uid), nil, ups.MediaType)
	if err != nil {
		return nil, err
	}
	return ups.Decode(body)
}

// List returns the workitems known to the router, optionally filtered by state.
func (c *Client) List(ctx context.Context, state ups.State) ([]*ups.Workitem, error) {
	path := "/ups-rs/workitems"
	if state != "" {
		path += "?" + url.Values{"state": {string(state)}}.Encode()
	}
	body, err := c.do(ctx, http.MethodGet, path, nil, ups.MediaType)
	if err != nil {
		return nil, err
	}
	return ups.DecodeList(body)
}

// UpdateState requests a caller-driven state change.
func (c *Client) UpdateState(ctx context.Context, uid string, req api.UpdateStateRequest) (*ups.Workitem, error) {
	body, err := c.do(ctx, http.MethodPut, workitemPath(uid)+"/state", req, ups.MediaType)
	if err != nil {
		return nil, err
	}
	return ups.Decode(body)
}

// Subscribe registers subscriberURL for uid. The router pushes the current
// snapshot to it right away.
func (c *Client) Subscribe(ctx context.Context, uid, subscriberURL string, deletionLock bool) error {
	_, err := c.do(ctx, http.MethodPost, workitemPath(uid)+"/subscribers",
		api.SubscribeRequest{SubscriberURL: subscriberURL, DeletionLock: deletionLock}, "")
	return err
}

// Unsubscribe removes subscriberURL from uid. Unknown pairs are not an error.
func (c *Client) Unsubscribe(ctx context.Context, uid, subscriberURL string) error {
	_, err := c.do(ctx, http.MethodDelete, workitemPath(uid)+"/subscribers/"+url.PathEscape(subscriberURL), nil, "")
	return err
}

// AddGlobal subscribes subscriberURL to every workitem.
func (c *Client) AddGlobal(ctx context.Context, subscriberURL string) error {
	_, err := c.do(ctx, http.MethodPost, "/ups-rs/subscribers/global",
		api.GlobalSubscribeRequest{SubscriberURL: subscriberURL}, "")
	return err
}

// Submit creates a workitem on the router and subscribes callbackURL to it.
// When the subscription fails the created workitem is still returned.
func (c *Client) Submit(ctx context.Context, req api.CreateWorkitemRequest, callbackURL string) (*ups.Workitem, error) {
	item, err := c.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create workitem: %w", err)
	}
	if strings.TrimSpace(callbackURL) == "" {
		return item, nil
	}
	if err := c.Subscribe(ctx, item.UID, callbackURL, false); err != nil {
		return item, fmt.Errorf("subscribe %s to %s: %w", callbackURL, item.UID, err)
	}
	return item, nil
}

func workitemPath(uid string) string {
	return "/ups-rs/workitems/" + url.PathEscape(strings.TrimSpace(uid))
}

func (c *Client) do(ctx context.Context, method, path string, payload any, accept string) ([]byte, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload api.ErrorResponse
		if json.Unmarshal(body, &payload) == nil {
			apiErr.Message = payload.Error
		}
		return nil, apiErr
	}
	return body, nil
}

// IsUnavailable reports whether err means the router could not be reached.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrUnavailable) || errors.As(err, &opErr)
}

// StatusCode returns the HTTP status of an APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

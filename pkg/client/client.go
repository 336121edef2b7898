package client

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

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/xhad/docchat/internal/types"
	"golang.org/x/time/rate"
)

type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables
	Burst     int
	HTTP      *http.Client
}

// Client talks to the document-analysis service.
type Client struct {
	config  ClientConfig
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter

	mu    sync.RWMutex
	creds types.Credentials
}

var _ types.API = (*Client)(nil)

func NewWithConfig(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8000"
	}
	if config.Burst == 0 {
		config.Burst = 5
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", config.BaseURL)
	}

	httpClient := config.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &Client{
		config:  config,
		base:    base,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, config.Burst),
	}, nil
}

func New(baseURL string) *Client {
	c, _ := NewWithConfig(ClientConfig{BaseURL: baseURL})
	return c
}

// UseCredentials installs the token source consulted by authenticated calls.
func (c *Client) UseCredentials(creds types.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

func (c *Client) credentials() types.Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	auth        bool
	resource    string
}

func jsonRequest(method, path string, payload any) (request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return request{}, fmt.Errorf("failed to encode request: %w", err)
	}
	return request{method: method, path: path, body: body, contentType: "application/json", auth: true}, nil
}

// send performs the request and returns the response for 2xx statuses. The
// caller closes the body.
func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{Op: r.method + " " + r.path, Err: err}
	}

	u := *c.base
	u.Path = c.base.Path + r.path
	u.RawQuery = r.query.Encode()

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	var creds types.Credentials
	token := ""
	if r.auth {
		creds = c.credentials()
		if creds != nil {
			token = creds.Token()
		}
		if token == "" {
			return nil, ErrNotAuthenticated
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug("api request failed", "method", r.method, "path", r.path, "request_id", requestID, "err", err)
		return nil, &NetworkError{Op: r.method + " " + r.path, Err: err}
	}
	log.Debug("api request", "method", r.method, "path", r.path, "status", resp.StatusCode,
		"request_id", requestID, "elapsed", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	field, detail := parseDetail(data)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		if creds != nil {
			creds.Invalidate(token)
		}
		return nil, &AuthError{Message: detail}
	case http.StatusNotFound:
		return nil, &NotFoundError{Resource: r.resource, Detail: detail}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, &ValidationError{Field: field, Message: detail}
	default:
		return nil, &RemoteError{StatusCode: resp.StatusCode, Detail: detail}
	}
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	resp, err := c.send(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{StatusCode: resp.StatusCode, Detail: fmt.Sprintf("invalid response body: %v", err)}
	}
	return nil
}

// Package transport provides the HTTP client the mealsync engine uses
// to talk to the remote meal planner service: JSON CRUD helpers, the
// health probe request, and credential application.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tablewise/mealsync/pkg/errors"
)

// DefaultHTTPTimeout is the default timeout for HTTP requests.
var DefaultHTTPTimeout = 30 * time.Second

// Client provides HTTP client functionality against the remote service.
type Client struct {
	base *url.URL
	http *http.Client
	auth Authenticator
}

// New creates a transport client for the given base URL.
func New(baseURL string, auth Authenticator) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.WrapParse("url", baseURL, err)
	}
	if auth == nil {
		auth = &NoAuth{}
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: DefaultHTTPTimeout},
		auth: auth,
	}, nil
}

// SetHTTPClient replaces the underlying http.Client. Tests use this to
// point the transport at a short-timeout client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.http = hc
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// URL joins the base URL with the given path.
func (c *Client) URL(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// Do performs an HTTP request with credentials and common headers
// applied. The caller owns the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.auth.Apply(req)

	req.Header.Set("Accept", "application/json")
	if req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodPatch {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.http.Do(req)
}

// Get performs a GET request and returns the raw response. The health
// probe uses this directly because it classifies by status code and
// content type rather than decoding a body.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path), nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// GetJSON performs a GET request and decodes the JSON response body.
func (c *Client) GetJSON(ctx context.Context, path string, target any) error {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	return DecodeResponse(resp, path, target)
}

// PostJSON performs a POST request with a JSON body and decodes the response.
func (c *Client) PostJSON(ctx context.Context, path string, body, target any) error {
	return c.sendJSON(ctx, http.MethodPost, path, body, target)
}

// PutJSON performs a PUT request with a JSON body and decodes the response.
func (c *Client) PutJSON(ctx context.Context, path string, body, target any) error {
	return c.sendJSON(ctx, http.MethodPut, path, body, target)
}

// Delete performs a DELETE request and discards the response body.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.URL(path), nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	return DecodeResponse(resp, path, nil)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body, target any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.WrapParse("json", "request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), reader)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	return DecodeResponse(resp, path, target)
}

// DecodeResponse decodes a JSON response into the target structure,
// mapping error statuses onto the engine's error taxonomy. A nil
// target discards the body.
func DecodeResponse(resp *http.Response, endpoint string, target any) error {
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WrapParse("response", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewAPIError(endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return errors.WrapParse("json", endpoint, err)
	}
	return nil
}

// IsHTMLResponse reports whether the response body looks like an HTML
// document. Interstitial challenge pages answer API requests with HTML
// where the application would send JSON.
func IsHTMLResponse(resp *http.Response) bool {
	return strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html")
}

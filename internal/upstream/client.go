package upstream

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// skipHeaders are not forwarded upstream. Accept-Encoding is dropped so the
// transport negotiates compression itself and cached bodies are plain.
var skipHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Accept-Encoding":     {},
	"Cookie":              {},
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientWithHTTP is NewClient with a caller supplied transport.
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	c := NewClient(baseURL)
	if hc != nil {
		c.http = hc
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Resolve turns a proxied path and query into the absolute upstream URL.
func (c *Client) Resolve(path, rawQuery string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = rawQuery
	return u.String(), nil
}

// Fetch issues a request against an absolute URL and reads the whole body.
func (c *Client) Fetch(ctx context.Context, method, rawURL string, headers http.Header) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	copyHeaders(req.Header, headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, skip := skipHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request describes the HTTP request every iteration sends. It is immutable
// once a run starts and shared by all VUs.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Headers map[string]string
	Body    string
}

// NewRequest creates a request for method and rawURL.
func NewRequest(method, rawURL string) *Request {
	return &Request{
		Method:  method,
		URL:     rawURL,
		Query:   make(url.Values),
		Headers: make(map[string]string),
	}
}

// WithHeader sets a header.
func (r *Request) WithHeader(key, value string) *Request {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
	return r
}

// WithQueryParam adds a query parameter.
func (r *Request) WithQueryParam(key, value string) *Request {
	if r.Query == nil {
		r.Query = make(url.Values)
	}
	r.Query.Add(key, value)
	return r
}

// WithBody sets the request body.
func (r *Request) WithBody(body string) *Request {
	r.Body = body
	return r
}

// ResolvedURL returns the target URL with query parameters merged into any
// already present in URL.
func (r *Request) ResolvedURL() (*url.URL, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", r.URL, err)
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for key, values := range r.Query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// Build constructs an *http.Request bound to ctx.
func (r *Request) Build(ctx context.Context) (*http.Request, error) {
	u, err := r.ResolvedURL()
	if err != nil {
		return nil, err
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

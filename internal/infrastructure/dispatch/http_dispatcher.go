package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

const maxResponseBytes = 4 << 20

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Body)
}

type Options struct {
	BaseURL string
	Headers map[string]string
	Routes  map[string]Route
	Client  *http.Client
}

// HTTPDispatcher replays queued actions against the REST API and serves plain
// reads for the gateway.
type HTTPDispatcher struct {
	base    *url.URL
	headers map[string]string
	routes  map[string]Route
	client  *http.Client
}

var _ ports.RemoteDispatcher = (*HTTPDispatcher)(nil)

func NewHTTPDispatcher(opts Options) (*HTTPDispatcher, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("dispatch base url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, errs.Wrap(err, "parse dispatch base url")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("dispatch base url %q must be absolute", opts.BaseURL)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDispatcher{
		base:    base,
		headers: maps.Clone(opts.Headers),
		routes:  maps.Clone(opts.Routes),
		client:  client,
	}, nil
}

// FromRoutesFile merges a routes file over opts; file values win.
func FromRoutesFile(opts Options, file RoutesFile) (*HTTPDispatcher, error) {
	if file.BaseURL != "" {
		opts.BaseURL = file.BaseURL
	}
	headers := maps.Clone(opts.Headers)
	if headers == nil {
		headers = make(map[string]string, len(file.Headers))
	}
	maps.Copy(headers, file.Headers)
	opts.Headers = headers
	opts.Routes = file.Routes
	return NewHTTPDispatcher(opts)
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req ports.RemoteRequest) (json.RawMessage, error) {
	method, endpoint := req.Method, req.Endpoint
	route, hasRoute := d.routes[req.Kind]
	if hasRoute {
		if route.Method != "" {
			method = route.Method
		}
		if route.Path != "" {
			endpoint = route.Path
		}
		if route.Timeout() > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, route.Timeout())
			defer cancel()
		}
	}

	var body io.Reader
	if len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	}

	httpReq, err := d.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if req.ID != "" {
		httpReq.Header.Set("Idempotency-Key", req.ID)
	}
	return d.do(httpReq)
}

// Fetch performs a GET and returns the raw JSON body.
func (d *HTTPDispatcher) Fetch(ctx context.Context, endpoint string) (json.RawMessage, error) {
	httpReq, err := d.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return d.do(httpReq)
}

func (d *HTTPDispatcher) resolve(endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", errs.Wrapf(err, "parse endpoint %q", endpoint)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}

	resolved := *d.base
	resolved.Path = d.base.Path + "/" + strings.TrimLeft(ref.Path, "/")
	resolved.RawQuery = ref.RawQuery
	return resolved.String(), nil
}

func (d *HTTPDispatcher) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	target, err := d.resolve(endpoint)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errs.Wrap(err, "build request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range d.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (d *HTTPDispatcher) do(httpReq *http.Request) (json.RawMessage, error) {
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, errs.Wrapf(err, "%s %s", httpReq.Method, httpReq.URL.Path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errs.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%s %s: response is not JSON", httpReq.Method, httpReq.URL.Path)
	}
	return json.RawMessage(raw), nil
}

package piproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fastjson"
)

var (
	ErrInvalidJSON  = errors.New("upstream returned invalid json")
	ErrBodyTooLarge = errors.New("upstream body exceeds limit")
)

// StatusError is returned for a non-2xx upstream response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Fetcher performs one upstream call for an endpoint and returns its raw JSON body.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint EndpointName) ([]byte, error)
}

type FetcherFunc func(ctx context.Context, endpoint EndpointName) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, endpoint EndpointName) ([]byte, error) {
	return f(ctx, endpoint)
}

var upstreamPaths = map[EndpointName]string{
	EndpointStatus:             "/v1/status",
	EndpointNetworkStatus:      "/v1/network-status",
	EndpointLatestTransactions: "/v1/transactions/latest",
	EndpointLatestBlocks:       "/v1/blocks/latest",
}

// upstreamPath maps an endpoint to its upstream path. Names without a dedicated
// path fall through to /v1/{endpoint}; a "/" inside the name stays a separator.
func upstreamPath(endpoint EndpointName) string {
	if p, ok := upstreamPaths[endpoint]; ok {
		return p
	}
	segs := strings.Split(string(endpoint), "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return "/v1/" + strings.Join(segs, "/")
}

// Upstream is a single-attempt client for the blockchain data API.
type Upstream struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	maxBody int64

	httpClient *http.Client
}

func NewUpstream(cfg Config) *Upstream {
	return &Upstream{
		baseURL:    cfg.Upstream.BaseURL,
		apiKey:     cfg.Upstream.APIKey,
		timeout:    cfg.Upstream.timeoutDur,
		maxBody:    cfg.Upstream.maxBodyBytes,
		httpClient: &http.Client{},
	}
}

func (u *Upstream) newRequest(ctx context.Context, endpoint EndpointName) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+upstreamPath(endpoint), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Key "+u.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Fetch makes exactly one attempt, bounded by the per-attempt timeout.
func (u *Upstream) Fetch(ctx context.Context, endpoint EndpointName) ([]byte, error) {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	req, err := u.newRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{Code: resp.StatusCode, URL: req.URL.String()}
	}

	var r io.Reader = resp.Body
	if u.maxBody > 0 {
		r = io.LimitReader(resp.Body, u.maxBody+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if u.maxBody > 0 && int64(len(body)) > u.maxBody {
		return nil, fmt.Errorf("%w (%s)", ErrBodyTooLarge, formatBytes(uint64(u.maxBody)))
	}
	if err := fastjson.ValidateBytes(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return body, nil
}

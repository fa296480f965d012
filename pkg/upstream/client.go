// Package upstream is the REST client for the hosting platform. It injects
// the per-account bearer credential, bounds outbound request rate, and
// normalizes listing and metrics responses into canonical records.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"space-manager/pkg/apierr"
)

const (
	// DefaultTimeout bounds listing and metrics calls at the transport level.
	DefaultTimeout = 60 * time.Second

	maxBodyBytes = 4 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RPS limits outbound requests per second across all callers. Zero
	// disables limiting.
	RPS    float64
	Burst  int
	Logger *slog.Logger

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the hosting platform.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Client.
func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			// Don't follow redirects; a redirect would re-send the credential.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	c := &Client{
		baseURL:    base,
		httpClient: httpClient,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RPS))
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ListInstances lists the instances visible to token. When account is
// non-empty the listing is scoped to that author; otherwise every instance
// the token can see is returned.
func (c *Client) ListInstances(ctx context.Context, token, account string) ([]Instance, error) {
	q := url.Values{}
	if account != "" {
		q.Set("author", account)
	}
	q.Set("full", "true")

	status, body, err := c.do(ctx, http.MethodGet, "/spaces", q, token)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, apierr.Upstream(status, fmt.Errorf("list instances: status %d", status))
	}

	instances, skipped, err := normalizeInstances(body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "unexpected listing response from the hosting platform", err)
	}
	if skipped > 0 {
		c.logger.Warn("skipped malformed instance records", "account", account, "skipped", skipped)
	}
	return instances, nil
}

// Metrics fetches the current runtime sample for instance id. A 404 is
// returned as a KindUpstream error of ClassNotFound so callers can treat a
// stopped instance differently from a failure.
func (c *Client) Metrics(ctx context.Context, token, id string) (Sample, error) {
	p, err := instancePath(id)
	if err != nil {
		return Sample{}, err
	}

	status, body, err := c.do(ctx, http.MethodGet, p+"/runtime/metrics", nil, token)
	if err != nil {
		return Sample{}, err
	}
	if !isSuccess(status) {
		return Sample{}, apierr.Upstream(status, fmt.Errorf("metrics %s: status %d", id, status))
	}

	sample, err := normalizeSample(id, body, c.now())
	if err != nil {
		return Sample{}, apierr.Wrap(apierr.KindUpstream, "unexpected metrics response from the hosting platform", err)
	}
	return sample, nil
}

// ActionResponse is the raw outcome of a control call.
type ActionResponse struct {
	Status int
	Body   []byte
}

// Action POSTs to a control endpoint of instance id, e.g. "restart" or
// "factory-reboot". Non-success statuses are returned as classified errors.
func (c *Client) Action(ctx context.Context, token, id, endpoint string, query url.Values) (*ActionResponse, error) {
	p, err := instancePath(id)
	if err != nil {
		return nil, err
	}

	status, body, err := c.do(ctx, http.MethodPost, p+"/"+endpoint, query, token)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, apierr.Upstream(status, fmt.Errorf("%s %s: status %d", endpoint, id, status))
	}
	return &ActionResponse{Status: status, Body: body}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, transportError(ctx, err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, nil, apierr.Wrap(apierr.KindInternal, "could not build upstream request", err)
	}
	req.Header.Set("Accept", "application/json")
	InjectAuth(req, token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("upstream request failed", "method", method, "path", path, "error", err)
		return 0, nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, transportError(ctx, err)
	}

	c.logger.Debug("upstream request",
		"method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))
	return resp.StatusCode, body, nil
}

// transportError classifies a failure that produced no HTTP status.
func transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return apierr.Wrap(apierr.KindTimeout, apierr.ErrTimeout.Message, err)
	}
	return apierr.Wrap(apierr.KindUpstreamUnavailable, "could not reach the hosting platform", err)
}

// instancePath validates an "account/name" id and returns its API path.
func instancePath(id string) (string, error) {
	account, name, ok := SplitID(id)
	if !ok {
		return "", apierr.New(apierr.KindInvalidInput, "instance id must have the form account/name")
	}
	return "/spaces/" + url.PathEscape(account) + "/" + url.PathEscape(name), nil
}

// SplitID splits an "account/name" instance id.
func SplitID(id string) (account, name string, ok bool) {
	account, name, ok = strings.Cut(id, "/")
	if !ok || account == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return account, name, true
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// Package httpclient provides the retrying, circuit-broken HTTP client used for
// every call to a third-party upstream.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/whale-intel/internal/circuitbreaker"
	"github.com/yourorg/whale-intel/internal/metrics"
	"github.com/yourorg/whale-intel/internal/otel"
)

// BodyKind tags how a successful response body was interpreted.
type BodyKind int

const (
	BodyJSON BodyKind = iota
	BodyText
)

// Body is a successful response: JSON when the payload parsed, raw text otherwise.
type Body struct {
	Kind BodyKind
	JSON json.RawMessage
	Text string
}

// Decode unmarshals a JSON body into v.
func (b Body) Decode(v any) error {
	if b.Kind != BodyJSON {
		return fmt.Errorf("response is not JSON: %.64q", b.Text)
	}
	return json.Unmarshal(b.JSON, v)
}

func parseBody(data []byte) Body {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return Body{Kind: BodyJSON, JSON: json.RawMessage(trimmed)}
	}
	return Body{Kind: BodyText, Text: string(data)}
}

// Options configures one upstream client.
type Options struct {
	// Name identifies the upstream in logs, metrics and the breaker
	Name string

	BaseURL string

	// Headers are sent with every request (API keys, user agent)
	Headers map[string]string

	// Per-attempt timeout covering connect, headers and body
	Timeout time.Duration

	Retry   RetryPolicy
	Breaker circuitbreaker.Config

	// Requests per second allowed towards the upstream; 0 disables pacing
	RateLimit float64
	Burst     int
}

// Client issues requests to a single upstream. The whole retry sequence of a
// call runs inside the client's circuit breaker, so the breaker sees one
// outcome per call.
type Client struct {
	name    string
	baseURL string
	headers map[string]string
	policy  RetryPolicy
	retry   *retryablehttp.Client
	breaker *circuitbreaker.CircuitBreaker
}

// New creates a client and the breaker it owns.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	policy := opts.Retry.normalize()

	breakerCfg := opts.Breaker
	onChange := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		if onChange != nil {
			onChange(name, from, to)
		}
	}

	c := &Client{
		name:    opts.Name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		headers: opts.Headers,
		policy:  policy,
		breaker: circuitbreaker.New(opts.Name, breakerCfg),
	}
	metrics.CircuitBreakerState.WithLabelValues(opts.Name).Set(float64(circuitbreaker.StateClosed))

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = policy.MaxRetries
	rc.HTTPClient = &http.Client{
		Timeout:   opts.Timeout,
		Transport: newTransport(opts.RateLimit, opts.Burst),
	}
	rc.CheckRetry = checkRetry
	rc.Backoff = func(_, _ time.Duration, attempt int, _ *http.Response) time.Duration {
		return policy.Backoff(attempt)
	}
	// Hand the last response back instead of a generic "giving up" error so
	// it can be classified.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = c.logAttempt
	rc.ResponseLogHook = c.logResponse
	c.retry = rc

	return c
}

// Name returns the upstream name.
func (c *Client) Name() string { return c.name }

// Breaker exposes the client's breaker for status reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (Body, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (Body, error) {
	return c.do(ctx, http.MethodPost, path, nil, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (Body, error) {
	return c.do(ctx, http.MethodPut, path, nil, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (Body, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) (Body, error) {
	ctx, span := otel.Tracer().Start(ctx, "upstream."+c.name+"."+strings.ToLower(method))
	defer span.End()

	fullURL := c.buildURL(path, query)
	start := time.Now()

	var result Body
	err := c.breaker.Execute(func() error {
		var attemptErr error
		result, attemptErr = c.send(ctx, method, fullURL, payload)
		return attemptErr
	})

	class := Classify(err)
	metrics.UpstreamRequests.WithLabelValues(c.name, method, string(class)).Inc()
	metrics.UpstreamLatency.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"upstream": c.name,
			"method":   method,
			"url":      fullURL,
			"class":    class,
		}).Warnf("Upstream call failed: %v", err)
		otel.RecordError(ctx, err)
		return Body{}, err
	}
	return result, nil
}

// send runs the full attempt sequence for one call and classifies the final
// outcome.
func (c *Client) send(ctx context.Context, method, fullURL string, payload any) (Body, error) {
	var raw interface{}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Body{}, fmt.Errorf("encode request body: %w", err)
		}
		raw = encoded
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, fullURL, raw)
	if err != nil {
		return Body{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.retry.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Body{}, fmt.Errorf("%s %s: %w", method, fullURL, ctxErr)
		}
		return Body{}, &TransientError{Method: method, URL: fullURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Body{}, &TransientError{Method: method, URL: fullURL, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return Body{}, classifyResponse(method, fullURL, resp.StatusCode, string(data))
	}
	return parseBody(data), nil
}

func (c *Client) buildURL(path string, query url.Values) string {
	u := c.baseURL
	if path != "" {
		u += "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// checkRetry retries network errors, 429 and 5xx. Other 4xx responses are
// final.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

func (c *Client) logAttempt(_ retryablehttp.Logger, req *http.Request, attempt int) {
	metrics.UpstreamAttempts.WithLabelValues(c.name).Inc()
	logrus.WithFields(logrus.Fields{
		"upstream": c.name,
		"method":   req.Method,
		"url":      req.URL.String(),
		"attempt":  attempt,
	}).Debug("Upstream request attempt")
}

func (c *Client) logResponse(_ retryablehttp.Logger, resp *http.Response) {
	if resp.StatusCode < 400 {
		return
	}
	logrus.WithFields(logrus.Fields{
		"upstream": c.name,
		"method":   resp.Request.Method,
		"url":      resp.Request.URL.String(),
		"status":   resp.StatusCode,
	}).Warn("Upstream responded with error status")
}

// limitedTransport paces outbound requests with a token bucket.
type limitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func newTransport(rps float64, burst int) http.RoundTripper {
	base := cleanhttp.DefaultPooledTransport()
	if rps <= 0 {
		return base
	}
	if burst <= 0 {
		burst = 1
	}
	return &limitedTransport{next: base, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

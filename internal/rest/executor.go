package rest

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/otel"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/tenant"
)

var tracer = otel.Tracer("github.com/Bullseye1979/ai-discord-bot-sub001/internal/rest")

// ExecutorConfig holds process-wide executor settings, set once at startup
// and read-only at call time.
type ExecutorConfig struct {
	MaxAttempts    int           // total attempts including the first
	BaseBackoff    time.Duration // backoff is base × attempt number
	MaxBackoff     time.Duration // backoff cap
	RequestTimeout time.Duration // per-attempt bound when the descriptor sets none
	FetchTimeout   time.Duration // bound on each attachment fetch
}

// Default executor settings.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff     = 4 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultFetchTimeout   = 30 * time.Second
)

// ApplyDefaults fills zero fields with the default settings.
func (c *ExecutorConfig) ApplyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
}

// Executor issues outbound HTTP calls with bounded retry on transient
// failures (5xx, 429, network errors). Retries are sequential with linearly
// increasing backoff; any other status returns immediately.
type Executor struct {
	cfg    ExecutorConfig
	client *http.Client
	sleep  func(time.Duration)
}

// NewExecutor creates an Executor. client may be nil, in which case a
// default client bounded by the configured request timeout is used.
func NewExecutor(cfg ExecutorConfig, client *http.Client) *Executor {
	cfg.ApplyDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Executor{cfg: cfg, client: client, sleep: time.Sleep}
}

// Do performs one logical call: URL assembly, auth header, optional
// multipart construction, the retry loop, and response normalization.
// Fatal failures come back as typed errors; any HTTP response, success or
// not, comes back as an Envelope.
func (e *Executor) Do(ctx context.Context, creds *tenant.Credentials, d Descriptor) (*Envelope, error) {
	ctx, span := tracer.Start(ctx, "rest.execute")
	defer span.End()

	fullURL := BuildURL(creds.BaseURL, d.Path, d.URL, d.Query)
	span.SetAttributes(
		attribute.String("http.method", d.Method),
		attribute.String("url.full", fullURL),
	)

	body := []byte(d.Body)
	contentType := ""
	if d.Multipart || len(d.Files) > 0 {
		var err error
		body, contentType, err = e.buildMultipart(ctx, d)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	} else if len(body) > 0 {
		contentType = "application/json"
	}

	timeout := e.cfg.RequestTimeout
	if d.TimeoutMS > 0 {
		timeout = time.Duration(d.TimeoutMS) * time.Millisecond
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		env, retryable, err := e.attempt(ctx, creds, d, fullURL, body, contentType, timeout, start)
		if err == nil && env != nil && (!retryable || attempt == e.cfg.MaxAttempts) {
			span.SetAttributes(attribute.Int("http.response.status_code", env.Status))
			return env, nil
		}
		if err != nil {
			lastErr = err
			if attempt == e.cfg.MaxAttempts {
				break
			}
		}
		delay := e.backoff(attempt)
		log.Warn().
			Str("url", fullURL).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Func(otel.LogTraceFields(ctx)).
			Msg("request_retrying")
		e.sleep(delay)
	}

	if lastErr == nil {
		lastErr = &TransportError{URL: fullURL, Err: ctx.Err()}
	}
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, &TransportError{URL: fullURL, Err: lastErr}
}

// attempt performs a single request/normalize round. retryable is true for
// 5xx and 429 responses; a non-nil error is a network-level failure.
func (e *Executor) attempt(ctx context.Context, creds *tenant.Credentials, d Descriptor,
	fullURL string, body []byte, contentType string, timeout time.Duration, start time.Time,
) (*Envelope, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, strings.ToUpper(d.Method), fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	// Always overwrite, never merge: the resolved identity wins.
	req.Header.Set("Authorization", creds.BasicAuth())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	env, err := Normalize(resp, fullURL, d.ResponseType, time.Since(start).Milliseconds())
	if err != nil {
		return nil, false, err
	}
	return env, resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, nil
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BaseBackoff * time.Duration(attempt)
	if d > e.cfg.MaxBackoff {
		d = e.cfg.MaxBackoff
	}
	return d
}

// BuildURL joins the credential base URL with the descriptor path and query.
// An absolute descriptor URL wins over base+path; query entries are merged
// into any query already present in the path.
func BuildURL(base, path, absolute string, query map[string]string) string {
	raw := absolute
	if raw == "" {
		raw = strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
	}
	if len(query) == 0 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

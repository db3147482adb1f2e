// Package fakestore implements product.Source over the Fake Store REST API.
package fakestore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/storefront/internal/domain/product"
)

const maxBodySize = 8 << 20

// BreakerConfig controls the circuit breaker in front of the API.
type BreakerConfig struct {
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
	// Interval clears the failure counts while closed. Zero never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// FailureRatio trips the breaker once MinRequests have been observed.
	FailureRatio float64
	MinRequests  uint32
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Breaker BreakerConfig
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://fakestoreapi.com"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = 1
	}
	if c.Breaker.Timeout <= 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.Breaker.FailureRatio <= 0 {
		c.Breaker.FailureRatio = 0.5
	}
	if c.Breaker.MinRequests == 0 {
		c.Breaker.MinRequests = 5
	}
}

// Option configures optional Client dependencies.
type Option func(*options)

type options struct {
	lg             *zap.Logger
	transport      http.RoundTripper
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithLogger sets the logger for breaker state changes.
func WithLogger(lg *zap.Logger) Option {
	return func(o *options) { o.lg = lg }
}

// WithTransport sets the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithTracerProvider sets the tracer provider for outgoing requests.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider for outgoing requests.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// Client reads products from the Fake Store API. Failures are reported as
// *product.FetchError and never retried.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	sfg     singleflight.Group
}

var _ product.Source = (*Client)(nil)

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.setDefaults()

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported base url scheme %q", u.Scheme)
	}

	o := options{
		lg:             zap.NewNop(),
		transport:      http.DefaultTransport,
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  noop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	bc := cfg.Breaker
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "fakestore",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.lg.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
		IsSuccessful: isSuccessful,
	})

	return &Client{
		base: strings.TrimRight(u.String(), "/"),
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(o.transport,
				otelhttp.WithTracerProvider(o.tracerProvider),
				otelhttp.WithMeterProvider(o.meterProvider),
			),
		},
		breaker: breaker,
	}, nil
}

// List fetches all products.
func (c *Client) List(ctx context.Context) ([]product.Product, error) {
	const op = "list products"

	body, err := c.get(ctx, op, "/products")
	if err != nil {
		return nil, err
	}
	products, err := product.DecodeList(jx.DecodeBytes(body))
	if err != nil {
		return nil, &product.FetchError{Op: op, Err: err}
	}
	return products, nil
}

// GetByID fetches a single product. Unknown ids yield product.ErrNotFound;
// the API answers those with either 404 or an empty 200 body. Concurrent
// calls for the same id share one request.
func (c *Client) GetByID(ctx context.Context, id int64) (*product.Product, error) {
	key := strconv.FormatInt(id, 10)
	v, err, _ := c.sfg.Do(key, func() (any, error) {
		return c.getByID(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*product.Product), nil
}

func (c *Client) getByID(ctx context.Context, key string) (*product.Product, error) {
	op := "get product " + key

	body, err := c.get(ctx, op, "/products/"+key)
	if err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, product.ErrNotFound
	}

	var p product.Product
	if err := p.Decode(jx.DecodeBytes(body)); err != nil {
		return nil, &product.FetchError{Op: op, Err: errors.Wrap(err, "decode product")}
	}
	if err := p.Validate(); err != nil {
		return nil, &product.FetchError{Op: op, Err: err}
	}
	return &p, nil
}

// Categories fetches the category list.
func (c *Client) Categories(ctx context.Context) ([]string, error) {
	const op = "list categories"

	body, err := c.get(ctx, op, "/products/categories")
	if err != nil {
		return nil, err
	}
	var out []string
	if err := jx.DecodeBytes(body).Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	}); err != nil {
		return nil, &product.FetchError{Op: op, Err: errors.Wrap(err, "decode categories")}
	}
	return out, nil
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) get(ctx context.Context, op, path string) ([]byte, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, op, path)
	})
	switch {
	case err == nil:
		return body, nil
	case errors.Is(err, product.ErrNotFound):
		return nil, err
	}
	var fe *product.FetchError
	if errors.As(err, &fe) {
		return nil, fe
	}
	// Rejected by the breaker.
	return nil, &product.FetchError{Op: op, Err: err}
}

func (c *Client) do(ctx context.Context, op, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, http.NoBody)
	if err != nil {
		return nil, &product.FetchError{Op: op, Err: errors.Wrap(err, "create request")}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &product.FetchError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &product.FetchError{Op: op, Status: resp.StatusCode, Err: errors.Wrap(err, "read body")}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, product.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &product.FetchError{
			Op:     op,
			Status: resp.StatusCode,
			Err:    errors.Errorf("unexpected status: %s", bytes.TrimSpace(truncate(body, 256))),
		}
	}
	return body, nil
}

// isSuccessful decides which outcomes count against the breaker. Only
// transport failures and server errors do.
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, product.ErrNotFound) || errors.Is(err, context.Canceled) {
		return true
	}
	var fe *product.FetchError
	if errors.As(err, &fe) && fe.Status >= 400 && fe.Status < 500 {
		return true
	}
	return false
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// Package couponapi implements coupon.Validator over the storefront coupon
// HTTP endpoint.
package couponapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-cart/internal/domain/coupon"
)

// CheckPath is the coupon validation route relative to the base URL.
const CheckPath = "/api/v1/coupons/checkCoupon"

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 1 << 20

// BreakerConfig controls the circuit breaker in front of the coupon service.
type BreakerConfig struct {
	// Failures is the number of consecutive transient failures that opens
	// the circuit.
	Failures uint32
	// OpenTimeout is how long the circuit stays open before probing again.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Failures:         5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. Its transport is wrapped
// with otelhttp.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = cfg }
}

// WithLogger sets the logger for breaker state changes.
func WithLogger(lg *zap.Logger) Option {
	return func(c *Client) { c.lg = lg }
}

// WithMeterProvider sets the meter provider for transport metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Client) { c.mp = mp }
}

// WithTracerProvider sets the tracer provider for transport spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tp = tp }
}

// Client validates promo codes against the remote coupon service.
type Client struct {
	baseURL    string
	http       *http.Client
	breakerCfg BreakerConfig
	breaker    *gobreaker.CircuitBreaker[*coupon.Coupon]
	lg         *zap.Logger
	mp         metric.MeterProvider
	tp         trace.TracerProvider
}

var _ coupon.Validator = (*Client)(nil)

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("coupon service base URL is required")
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{},
		breakerCfg: DefaultBreakerConfig(),
		lg:         zap.NewNop(),
		mp:         metricnoop.NewMeterProvider(),
		tp:         tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(c)
	}

	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := *c.http
	hc.Transport = otelhttp.NewTransport(base,
		otelhttp.WithMeterProvider(c.mp),
		otelhttp.WithTracerProvider(c.tp),
	)
	c.http = &hc

	cfg := c.breakerCfg
	c.breaker = gobreaker.NewCircuitBreaker[*coupon.Coupon](gobreaker.Settings{
		Name:        "coupon-api",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.lg.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
		IsSuccessful: isBreakerSuccess,
	})

	return c, nil
}

// isBreakerSuccess counts every answer from the service as a success. Only
// transient failures that were not caused by the caller giving up trip the
// circuit.
func isBreakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return !coupon.IsTransient(err)
}

// Validate checks code with the coupon service.
func (c *Client) Validate(ctx context.Context, code string) (*coupon.Coupon, error) {
	res, err := c.breaker.Execute(func() (*coupon.Coupon, error) {
		return c.check(ctx, code)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &coupon.TransientError{Op: "validate", Err: err}
	}
	return res, err
}

// Check reports an error while the circuit is open. It is used as a
// readiness probe.
func (c *Client) Check(context.Context) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return errors.New("coupon service circuit open")
	}
	return nil
}

func (c *Client) check(ctx context.Context, code string) (*coupon.Coupon, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+CheckPath, bytes.NewReader(encodeCheckRequest(code)))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &coupon.TransientError{Op: "validate", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &coupon.TransientError{Op: "read response", Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res, err := decodeCheckResponse(body)
		if err != nil {
			return nil, &coupon.TransientError{Op: "decode response", Err: err}
		}
		if res.Status != "success" || res.Coupon == nil {
			return nil, &coupon.NotFoundError{Code: code, Message: res.Message}
		}
		if !coupon.ValidPercentage(res.Coupon.Value) {
			return nil, &coupon.TransientError{
				Op:  "decode response",
				Err: errors.Errorf("coupon value %s out of range", res.Coupon.Value),
			}
		}
		if res.Coupon.Code == "" {
			res.Coupon.Code = code
		}
		return res.Coupon, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, &coupon.TransientError{
			Op:  "validate",
			Err: errors.Errorf("unexpected status %d", resp.StatusCode),
		}
	default:
		// Any other rejection is reported the way the storefront reports an
		// unknown code: with the service's message.
		return nil, &coupon.NotFoundError{Code: code, Message: decodeMessage(body)}
	}
}

func encodeCheckRequest(code string) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Str(code)
	e.ObjEnd()
	return e.Bytes()
}

type checkResponse struct {
	Status  string
	Message string
	Coupon  *coupon.Coupon
}

func decodeCheckResponse(data []byte) (checkResponse, error) {
	var res checkResponse
	d := jx.DecodeBytes(data)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			s, err := d.Str()
			res.Status = s
			return err
		case "message":
			s, err := decodeOptionalStr(d)
			res.Message = s
			return err
		case "payload":
			if d.Next() == jx.Null {
				return d.Null()
			}
			c, err := decodeCoupon(d)
			if err != nil {
				return errors.Wrap(err, "payload")
			}
			res.Coupon = c
			return nil
		default:
			return d.Skip()
		}
	}); err != nil {
		return res, err
	}
	return res, nil
}

func decodeCoupon(d *jx.Decoder) (*coupon.Coupon, error) {
	var (
		c        coupon.Coupon
		hasValue bool
	)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "code":
			s, err := d.Str()
			c.Code = strings.TrimSpace(s)
			return err
		case "value":
			v, err := decodeDecimal(d)
			if err != nil {
				return errors.Wrap(err, "value")
			}
			c.Value = v
			hasValue = true
			return nil
		case "description":
			s, err := decodeOptionalStr(d)
			c.Description = s
			return err
		case "validFrom":
			t, err := decodeOptionalTime(d)
			c.ValidFrom = t
			return errors.Wrap(err, "validFrom")
		case "expiresAt":
			t, err := decodeOptionalTime(d)
			c.ValidUntil = t
			return errors.Wrap(err, "expiresAt")
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, err
	}
	if !hasValue {
		return nil, errors.New("value is missing")
	}
	return &c, nil
}

// decodeDecimal accepts both JSON numbers and numeric strings.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(strings.TrimSpace(s))
	default:
		return decimal.Zero, errors.Errorf("unexpected %s", d.Next())
	}
}

func decodeOptionalStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func decodeOptionalTime(d *jx.Decoder) (*time.Time, error) {
	s, err := decodeOptionalStr(d)
	if err != nil || s == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// decodeMessage extracts {"message": "..."} from an error body, returning an
// empty string when the body has no usable message.
func decodeMessage(data []byte) string {
	res, err := decodeCheckResponse(data)
	if err != nil {
		return ""
	}
	return res.Message
}

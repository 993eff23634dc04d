// internal/clients/client.go
package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/httpx"
	"libralend/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformedResponse is returned when a service answers 2xx with a body that cannot be decoded.
var ErrMalformedResponse = errors.New("malformed response")

const (
	DefaultTimeout  = 3 * time.Second
	maxResponseSize = 10 << 20
)

// StatusError is a non-2xx answer from a service.
type StatusError struct {
	Service    string
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s %s: %d %s", e.Service, e.Method, e.Path, e.StatusCode, msg)
}

// Retryable reports whether repeating the request may succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// callerFault reports answers that say the request was wrong, not the service.
func (e *StatusError) callerFault() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

type settings struct {
	timeout      time.Duration
	transport    http.RoundTripper
	log          *logger.Logger
	maxFailures  uint32
	openInterval time.Duration
}

type Option func(*settings)

// WithTimeout bounds every call, including reading the response.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(s *settings) { s.transport = rt }
}

func WithLogger(log *logger.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithBreaker sets how many consecutive failures open the breaker and how long it stays open.
func WithBreaker(maxFailures uint32, open time.Duration) Option {
	return func(s *settings) {
		if maxFailures > 0 {
			s.maxFailures = maxFailures
		}
		if open > 0 {
			s.openInterval = open
		}
	}
}

// base is the transport shared by the typed clients.
type base struct {
	service string
	baseURL string
	http    *http.Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	// codes maps error envelope codes to the service's sentinel errors.
	codes map[string]error
	// notFound is used for 404 answers without a known code.
	notFound error
}

func newBase(service, baseURL string, codes map[string]error, notFound error, opts []Option) *base {
	s := settings{
		timeout:      DefaultTimeout,
		transport:    http.DefaultTransport,
		log:          logger.Nop(),
		maxFailures:  5,
		openInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&s)
	}
	log := s.log.With("component", "client", "service", service)

	b := &base{
		service:  service,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Transport: s.transport},
		timeout:  s.timeout,
		tracer:   otel.Tracer("libralend/clients"),
		codes:    codes,
		notFound: notFound,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     s.openInterval,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.maxFailures
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && se.callerFault())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return b
}

// do sends one request and decodes a 2xx body into out when out is not nil.
func (b *base) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ctx, span := b.tracer.Start(ctx, b.service+" "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer.service", b.service),
			attribute.String("http.request.method", method),
		),
	)
	defer span.End()

	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.roundTrip(ctx, method, path, query, body, out)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return b.mapError(err)
	}
	return nil
}

func (b *base) roundTrip(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := b.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", b.service, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s %s %s: read response: %w", b.service, method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Service: b.service, Method: method, Path: path, StatusCode: resp.StatusCode}
		var envelope httpx.ErrorBody
		if json.Unmarshal(raw, &envelope) == nil {
			se.Code, se.Message = envelope.Error.Code, envelope.Error.Message
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w from %s %s %s: %v", ErrMalformedResponse, b.service, method, path, err)
	}
	return nil
}

// mapError turns a StatusError into the remote service's own sentinel so
// callers can handle remote and in-process services alike.
func (b *base) mapError(err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	if sentinel, ok := b.codes[se.Code]; ok {
		return fmt.Errorf("%w: %w", sentinel, se)
	}
	if se.StatusCode == http.StatusNotFound && b.notFound != nil {
		return fmt.Errorf("%w: %w", b.notFound, se)
	}
	return err
}

func (b *base) count(ctx context.Context, path string, query url.Values) (int64, error) {
	var body httpx.CountBody
	if err := b.do(ctx, http.MethodGet, path, query, nil, &body); err != nil {
		return 0, err
	}
	return body.Count, nil
}

// Ping performs one cheap read against the service.
func (b *base) ping(ctx context.Context, path string) error {
	_, err := b.count(ctx, path, nil)
	return err
}

func limitQuery(key string, n int) url.Values {
	return url.Values{key: []string{fmt.Sprint(n)}}
}

// Package balancer implements the primary-process proxy that spreads client
// requests over the worker pool.
//
// Every request is buffered completely, dispatched to the worker under the
// registry cursor and relayed back with the worker's status code and body.
// The balancer does not interpret payloads.
package balancer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/usersvc/internal/cluster"
	"github.com/dreamware/usersvc/internal/metrics"
)

// Defaults used when no option overrides them.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 1 << 20
	dialTimeout         = 2 * time.Second
)

// errBuildRequest marks failures to construct the outbound request.
var errBuildRequest = errors.New("build request")

// PendingRequest is a fully buffered client request awaiting dispatch.
type PendingRequest struct {
	Method string
	// URI is the path plus raw query, e.g. "/api/users?x=1".
	URI         string
	ContentType string
	Body        []byte
}

// Balancer proxies requests to workers in round-robin order.
type Balancer struct {
	registry *cluster.Registry
	client   *http.Client
	log      *zap.SugaredLogger
	metrics  metrics.Collector
	timeout  time.Duration
	maxBody  int64
	retry    bool
}

// Option configures a Balancer
type Option func(*Balancer)

// WithTimeout bounds each outbound call to a worker
func WithTimeout(d time.Duration) Option {
	return func(b *Balancer) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithMaxBodyBytes bounds how much of a request body is buffered
func WithMaxBodyBytes(n int64) Option {
	return func(b *Balancer) {
		if n > 0 {
			b.maxBody = n
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(b *Balancer) {
		b.metrics = c
	}
}

// WithRetry enables or disables the single retry against the next worker
// when the selected worker refuses the connection.
func WithRetry(enabled bool) Option {
	return func(b *Balancer) {
		b.retry = enabled
	}
}

// WithTransport replaces the outbound transport
func WithTransport(rt http.RoundTripper) Option {
	return func(b *Balancer) {
		b.client = &http.Client{Transport: rt}
	}
}

// New creates a balancer over the given registry.
func New(registry *cluster.Registry, log *zap.SugaredLogger, opts ...Option) *Balancer {
	b := &Balancer{
		registry: registry,
		log:      log,
		metrics:  metrics.NewNoopCollector(),
		timeout:  DefaultTimeout,
		maxBody:  DefaultMaxBodyBytes,
		retry:    true,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     30 * time.Second,
			},
			// Relay redirects to the client unchanged.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client.CheckRedirect == nil {
		b.client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return b
}

// ServeHTTP buffers the request, selects a worker and relays its response.
func (b *Balancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	pending, err := b.buffer(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			b.fail(w, http.StatusRequestEntityTooLarge, metrics.ReasonBodyTooLarge, "Request body too large", err)
			return
		}
		b.fail(w, http.StatusBadRequest, metrics.ReasonReadBody, "Error reading request body", err)
		return
	}

	worker, err := b.registry.Next()
	if err != nil {
		b.fail(w, http.StatusServiceUnavailable, metrics.ReasonNoWorkers, "No workers available", err)
		return
	}

	status, header, body, err := b.forward(r.Context(), worker, pending)
	if err != nil && b.retry && isDialError(err) {
		b.log.Warnw("worker refused connection, retrying next worker",
			"worker", worker.ID, "addr", worker.Addr(), "error", err)
		if next, nerr := b.registry.Next(); nerr == nil && next.ID != worker.ID {
			b.metrics.ProxyRetry(next.ID)
			worker = next
			status, header, body, err = b.forward(r.Context(), worker, pending)
		}
	}
	if err != nil {
		b.proxyError(r.Context(), w, worker, err)
		return
	}

	if ct := header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		b.log.Warnw("failed to relay response", "worker", worker.ID, "error", err)
	}
	b.metrics.RequestProxied(worker.ID, pending.Method, status, time.Since(start))
}

// buffer reads the whole inbound body before anything is dispatched.
func (b *Balancer) buffer(w http.ResponseWriter, r *http.Request) (*PendingRequest, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.maxBody))
	if err != nil {
		return nil, err
	}
	return &PendingRequest{
		Method:      r.Method,
		URI:         r.URL.RequestURI(),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// forward issues the buffered request to one worker and reads its full response.
func (b *Balancer) forward(ctx context.Context, worker cluster.WorkerHandle, p *PendingRequest) (int, http.Header, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	target := "http://" + worker.Addr() + p.URI
	req, err := http.NewRequestWithContext(ctx, p.Method, target, bytes.NewReader(p.Body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", errBuildRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read worker response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (b *Balancer) proxyError(ctx context.Context, w http.ResponseWriter, worker cluster.WorkerHandle, err error) {
	// The client went away; there is nobody to answer.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		b.log.Debugw("client canceled proxied request", "worker", worker.ID)
		return
	}

	b.log.Warnw("proxy to worker failed", "worker", worker.ID, "addr", worker.Addr(), "error", err)

	switch {
	case errors.Is(err, errBuildRequest):
		b.fail(w, http.StatusInternalServerError, metrics.ReasonBuildRequest, "Internal Server Error", nil)
	case isTimeout(err):
		b.fail(w, http.StatusGatewayTimeout, metrics.ReasonTimeout, "Worker timed out", nil)
	case isDialError(err):
		b.fail(w, http.StatusBadGateway, metrics.ReasonUnreachable, "Worker unreachable", nil)
	default:
		b.fail(w, http.StatusBadGateway, metrics.ReasonReadResponse, "Bad response from worker", nil)
	}
}

func (b *Balancer) fail(w http.ResponseWriter, status int, reason, msg string, err error) {
	if err != nil {
		b.log.Warnw("request rejected", "status", status, "reason", reason, "error", err)
	}
	b.metrics.ProxyError(reason)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Message string `json:"message"`
	}{Message: msg})
}

// isDialError reports whether err happened before the request reached the
// worker, which makes it safe to resend even non-idempotent requests.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
)

// ForwarderConfig bounds one forwarded request.
type ForwarderConfig struct {
	// AcquireTimeout is how long a request waits for an idle agent connection.
	AcquireTimeout time.Duration
	// MaxAttempts caps pooled connections tried for a replayable request.
	MaxAttempts           int
	ResponseHeaderTimeout time.Duration
	FlushInterval         time.Duration
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	return c
}

// ErrorWriter renders a failed forward for the public caller.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, err error)

// PlainErrorWriter writes the error category as text.
func PlainErrorWriter(w http.ResponseWriter, _ *http.Request, status int, err error) {
	http.Error(w, Category(err), status)
}

// Forwarder relays public HTTP requests over single-use pooled agent
// connections.
type Forwarder struct {
	cfg      ForwarderConfig
	log      *slog.Logger
	metrics  *Metrics
	writeErr ErrorWriter
	proxy    *httputil.ReverseProxy
}

type forwardState struct {
	session  *Session
	start    time.Time
	attempts atomic.Int32
}

type forwardStateKey struct{}

func NewForwarder(cfg ForwarderConfig, logger *slog.Logger, metrics *Metrics, writeErr ErrorWriter) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if writeErr == nil {
		writeErr = PlainErrorWriter
	}
	f := &Forwarder{
		cfg:      cfg.withDefaults(),
		log:      logger,
		metrics:  orNopMetrics(metrics),
		writeErr: writeErr,
	}
	f.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = pr.In.Host
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
		},
		Transport:      f,
		FlushInterval:  f.cfg.FlushInterval,
		ErrorLog:       slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		ModifyResponse: f.recordResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			f.fail(w, r, err)
		},
	}
	return f
}

// Forward relays r to the agent behind s and streams the response to w.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, s *Session) {
	st := &forwardState{session: s, start: time.Now()}
	r = r.WithContext(context.WithValue(r.Context(), forwardStateKey{}, st))
	if !s.Allow() {
		f.fail(w, r, fmt.Errorf("endpoint %s: %w", s.ID(), ErrRateLimited))
		return
	}
	f.proxy.ServeHTTP(w, r)
}

// RoundTrip runs req over a fresh pooled connection, retrying on another one
// when the exchange fails before response headers and req can be replayed.
// Connections are closed after use, never returned to the pool.
func (f *Forwarder) RoundTrip(req *http.Request) (*http.Response, error) {
	st, _ := req.Context().Value(forwardStateKey{}).(*forwardState)
	if st == nil {
		return nil, errors.New("tunnel: request carries no session")
	}
	s := st.session

	attempts := f.cfg.MaxAttempts
	if !replayable(req) {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out := req
		if attempt > 1 {
			var err error
			if out, err = rewind(req); err != nil {
				break
			}
		}

		pc, err := f.acquireLive(req.Context(), s)
		if err != nil {
			return nil, err
		}
		st.attempts.Add(1)

		resp, err := f.roundTripOnce(out, pc)
		if err == nil {
			return resp, nil
		}
		_ = pc.Close()
		lastErr = fmt.Errorf("%w: conn %d: %w", ErrHandshakeFailed, pc.ID(), err)
		if req.Context().Err() != nil {
			return nil, lastErr
		}
		s.log.Debug("forward attempt failed", "attempt", attempt, "conn", pc.ID(), "error", err)
	}
	return nil, fmt.Errorf("%w: endpoint %s: %w", ErrUpstreamIO, s.ID(), lastErr)
}

// acquireLive takes pooled connections until one passes the liveness check.
// Connections the agent already closed never saw the request, so skipping
// them does not count as an attempt and is safe for any body.
func (f *Forwarder) acquireLive(ctx context.Context, s *Session) (*PooledConn, error) {
	for {
		pc, err := s.Acquire(ctx, f.cfg.AcquireTimeout)
		if err != nil {
			return nil, err
		}
		if pc.Alive() {
			return pc, nil
		}
		s.log.Debug("dropping closed agent connection", "conn", pc.ID(), "age", time.Since(pc.AcceptedAt()).Round(time.Millisecond))
		_ = pc.Close()
		f.metrics.AgentConnsPruned.WithLabelValues(s.ID()).Inc()
	}
}

// roundTripOnce performs one HTTP/1 exchange on pc. The transport dials
// exactly once and closes pc when the response body is done.
func (f *Forwarder) roundTripOnce(req *http.Request, pc *PooledConn) (*http.Response, error) {
	var dialed atomic.Bool
	t := &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			if !dialed.CompareAndSwap(false, true) {
				return nil, errors.New("pooled connection already used")
			}
			return pc, nil
		},
		DisableKeepAlives:     true,
		DisableCompression:    true,
		ResponseHeaderTimeout: f.cfg.ResponseHeaderTimeout,
	}
	return t.RoundTrip(req)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func rewind(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	out.Body = body
	return out, nil
}

func (f *Forwarder) recordResponse(resp *http.Response) error {
	st, _ := resp.Request.Context().Value(forwardStateKey{}).(*forwardState)
	if st == nil {
		return nil
	}
	id := st.session.ID()
	f.metrics.Forwards.WithLabelValues(id, "ok").Inc()
	f.metrics.ForwardDuration.Observe(time.Since(st.start).Seconds())

	size := "unknown"
	if resp.ContentLength >= 0 {
		size = sizestr.ToString(resp.ContentLength)
	}
	st.session.log.Debug("request forwarded",
		"method", resp.Request.Method,
		"path", resp.Request.URL.Path,
		"status", resp.StatusCode,
		"size", size,
		"attempts", st.attempts.Load(),
		"elapsed", time.Since(st.start).Round(time.Millisecond),
	)
	return nil
}

func (f *Forwarder) fail(w http.ResponseWriter, r *http.Request, err error) {
	endpoint := ""
	logger := f.log
	if st, _ := r.Context().Value(forwardStateKey{}).(*forwardState); st != nil {
		endpoint = st.session.ID()
		logger = st.session.log
	}

	if r.Context().Err() != nil {
		f.metrics.Forwards.WithLabelValues(endpoint, "canceled").Inc()
		logger.Debug("caller went away", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	status := StatusCode(err)
	f.metrics.Forwards.WithLabelValues(endpoint, outcome(err)).Inc()
	logger.Warn("forward failed", "path", r.URL.Path, "status", status, "error", err)
	f.writeErr(w, r, status, err)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNoAvailableConnection):
		return "no_connection"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		return "upstream_error"
	}
}

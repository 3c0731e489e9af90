// Package agent is the reference tunnel agent. It asks a relay for an
// endpoint and keeps a fixed number of connections dialled to the endpoint's
// port, serving one proxied HTTP exchange to a local service on each.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"relay/internal/hostname"
)

var (
	ErrInvalidConfig = errors.New("invalid agent config")
	ErrResolve       = errors.New("endpoint resolve failed")
	// ErrRejected is returned when the relay refuses the endpoint outright;
	// retrying cannot help.
	ErrRejected = errors.New("relay rejected endpoint")

	// errRelayGone means the endpoint port keeps refusing connections, which
	// is what an evicted session looks like from the agent's side.
	errRelayGone = errors.New("relay endpoint stopped accepting connections")
)

// maxDialFailures consecutive dial failures make a worker give up on the
// current port so the agent resolves the endpoint again.
const maxDialFailures = 5

type Config struct {
	AdminURL  string
	Endpoint  string
	LocalAddr string
	// Connections is how many connections are kept outstanding. Zero or a
	// value above the endpoint's max_conn_count uses max_conn_count.
	Connections int
	// RelayHost overrides the host dialled for the endpoint port. Defaults
	// to the admin URL's host.
	RelayHost   string
	DialTimeout time.Duration
	MaxBackoff  time.Duration
}

// Endpoint is the relay's answer to a resolve call.
type Endpoint struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
}

type Agent struct {
	cfg    Config
	admin  *url.URL
	log    *slog.Logger
	client *http.Client
	local  *http.Transport
	served atomic.Int64
}

func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	admin, err := url.Parse(strings.TrimSpace(cfg.AdminURL))
	if err != nil || admin.Host == "" || (admin.Scheme != "http" && admin.Scheme != "https") {
		return nil, fmt.Errorf("%w: admin url %q", ErrInvalidConfig, cfg.AdminURL)
	}
	if err := hostname.ValidateID(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, _, err := net.SplitHostPort(cfg.LocalAddr); err != nil {
		return nil, fmt.Errorf("%w: local address %q: %w", ErrInvalidConfig, cfg.LocalAddr, err)
	}
	if cfg.Connections < 0 {
		return nil, fmt.Errorf("%w: connections must not be negative", ErrInvalidConfig)
	}
	if cfg.RelayHost == "" {
		cfg.RelayHost = admin.Hostname()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	return &Agent{
		cfg:    cfg,
		admin:  admin,
		log:    logger.With("endpoint", cfg.Endpoint),
		client: &http.Client{Timeout: cfg.DialTimeout},
		local: &http.Transport{
			DialContext:         dialer.DialContext,
			DisableCompression:  true,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}, nil
}

// Served reports how many exchanges the agent has completed.
func (a *Agent) Served() int64 { return a.served.Load() }

// Resolve asks the relay's admin API for the endpoint, creating it if needed.
func (a *Agent) Resolve(ctx context.Context) (Endpoint, error) {
	u := a.admin.JoinPath("api", "endpoints", a.cfg.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return Endpoint{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrResolve, err)
	}
	defer resp.Body.Close()

	var env struct {
		OK    bool     `json:"ok"`
		Data  Endpoint `json:"data"`
		Error string   `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return Endpoint{}, fmt.Errorf("%w: %s: decode: %w", ErrResolve, resp.Status, err)
	}
	if !env.OK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return Endpoint{}, fmt.Errorf("%w: %w: %s", ErrResolve, ErrRejected, env.Error)
		}
		return Endpoint{}, fmt.Errorf("%w: %s: %s", ErrResolve, resp.Status, env.Error)
	}
	if env.Data.Port <= 0 {
		return Endpoint{}, fmt.Errorf("%w: relay returned port %d", ErrResolve, env.Data.Port)
	}
	return env.Data, nil
}

// Run resolves the endpoint and supplies connections until ctx is done. If
// the endpoint's port goes away the endpoint is resolved again.
func (a *Agent) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: a.cfg.MaxBackoff, Factor: 2, Jitter: true}
	for {
		ep, err := a.Resolve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrRejected) {
				return err
			}
			d := b.Duration()
			a.log.Warn("resolve failed", "error", err, "retry_in", d)
			if !sleep(ctx, d) {
				return nil
			}
			continue
		}
		b.Reset()

		err = a.supply(ctx, ep)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, errRelayGone) {
			return err
		}
		a.log.Warn("endpoint port went away, resolving again", "port", ep.Port)
	}
}

func (a *Agent) supply(ctx context.Context, ep Endpoint) error {
	n := a.cfg.Connections
	if n <= 0 || (ep.MaxConnCount > 0 && n > ep.MaxConnCount) {
		n = ep.MaxConnCount
	}
	if n <= 0 {
		n = 1
	}
	addr := net.JoinHostPort(a.cfg.RelayHost, strconv.Itoa(ep.Port))
	a.log.Info("endpoint ready", "url", ep.URL, "relay", addr, "local", a.cfg.LocalAddr, "connections", n)

	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error { return a.worker(gctx, i, addr) })
	}
	return g.Wait()
}

func (a *Agent) worker(ctx context.Context, id int, addr string) error {
	log := a.log.With("worker", id)
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: a.cfg.MaxBackoff, Factor: 2, Jitter: true}
	dialer := &net.Dialer{Timeout: a.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	failures := 0
	for ctx.Err() == nil {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= maxDialFailures {
				return fmt.Errorf("%w: %s: %w", errRelayGone, addr, err)
			}
			d := b.Duration()
			log.Debug("dial relay failed", "addr", addr, "error", err, "retry_in", d)
			if !sleep(ctx, d) {
				return nil
			}
			continue
		}
		failures = 0
		b.Reset()
		if err := a.serveOne(ctx, conn); err != nil && ctx.Err() == nil {
			log.Debug("exchange failed", "error", err)
		}
	}
	return nil
}

// serveOne waits for a single request on conn, proxies it to the local
// service and writes the response back before closing conn.
func (a *Agent) serveOne(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("read request: %w", err)
	}
	start := time.Now()

	req = req.WithContext(ctx)
	req.RequestURI = ""
	req.URL.Scheme = "http"
	req.URL.Host = a.cfg.LocalAddr

	resp, err := a.local.RoundTrip(req)
	if err != nil {
		a.log.Warn("local service unreachable", "local", a.cfg.LocalAddr, "error", err)
		resp = localErrorResponse(req, err)
	}
	defer resp.Body.Close()
	resp.Close = true

	if err := resp.Write(conn); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	a.served.Add(1)
	a.log.Debug("request served",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func localErrorResponse(req *http.Request, err error) *http.Response {
	body := fmt.Sprintf("agent could not reach the local service: %v\n", err)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway)),
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"relay/internal/hostname"
)

// SessionConfig is shared by every session a registry creates.
type SessionConfig struct {
	// BindHost is the interface agent listeners bind to; the port is always
	// chosen by the OS.
	BindHost   string
	MaxSockets int
	Domain     string
	URLScheme  string

	// AgentKeepAlive and AgentUserTimeout tune accepted agent sockets.
	AgentKeepAlive   time.Duration
	AgentUserTimeout time.Duration

	// RateLimit is the per-endpoint request budget; zero disables it.
	RateLimit rate.Limit
	RateBurst int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxSockets <= 0 {
		c.MaxSockets = 10
	}
	if c.URLScheme == "" {
		c.URLScheme = "http"
	}
	return c
}

// SessionInfo is a point-in-time view of a session for the control plane.
type SessionInfo struct {
	ID           string    `json:"id"`
	Port         int       `json:"port"`
	URL          string    `json:"url"`
	MaxConnCount int       `json:"max_conn_count"`
	Idle         int       `json:"idle"`
	InFlight     int       `json:"in_flight"`
	Accepted     uint64    `json:"accepted"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
}

// Session owns one endpoint's agent listener and connection pool.
type Session struct {
	id      string
	cfg     SessionConfig
	log     *slog.Logger
	metrics *Metrics

	pool    *Pool
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	createdAt  time.Time
	lastActive atomic.Int64
	accepted   atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
	port     int
	closing  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSession(id string, cfg SessionConfig, logger *slog.Logger, metrics *Metrics) *Session {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:        id,
		cfg:       cfg,
		log:       logger.With("endpoint", id),
		metrics:   orNopMetrics(metrics),
		pool:      NewPool(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxSockets)),
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		s.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

// Port is the agent-facing port, or 0 before Start.
func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Start binds the agent listener on an ephemeral port and launches the
// acceptor. ctx only bounds the bind; the acceptor lives until Close.
// Calling Start on a started session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrSessionClosed
	}
	if s.listener != nil {
		return nil
	}

	lc := net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   s.cfg.AgentKeepAlive > 0,
			Idle:     s.cfg.AgentKeepAlive,
			Interval: s.cfg.AgentKeepAlive,
			Count:    3,
		},
	}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(s.cfg.BindHost, "0"))
	if err != nil {
		return fmt.Errorf("%w: endpoint %s: %w", ErrPortBindFailed, s.id, err)
	}
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("%w: endpoint %s: unexpected listener address %s", ErrPortBindFailed, s.id, ln.Addr())
	}
	s.listener = ln
	s.port = addr.Port

	acceptCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.acceptLoop(acceptCtx, ln)

	s.log.Info("session listening", "port", s.port, "max_sockets", s.cfg.MaxSockets)
	return nil
}

func (s *Session) acceptLoop(ctx context.Context, ln net.Listener) {
	defer close(s.done)
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second}
	for {
		// Block here while idle + in-flight is at the cap; agents queue in
		// the kernel backlog until a slot frees.
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.log.Debug("acceptor stopped")
				return
			}
			d := b.Duration()
			s.log.Warn("accept failed, retrying", "error", err, "retry_in", d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return
			}
			continue
		}
		b.Reset()
		s.touch()

		if err := setUserTimeout(conn, s.cfg.AgentUserTimeout); err != nil {
			s.log.Debug("could not set TCP_USER_TIMEOUT", "error", err)
		}
		pc := newPooledConn(conn, s.accepted.Add(1), func() { s.sem.Release(1) })
		if err := s.pool.Put(pc); err != nil {
			return
		}
		idle := s.pool.Len()
		s.metrics.AgentConnsAccepted.WithLabelValues(s.id).Inc()
		s.metrics.PoolIdle.WithLabelValues(s.id).Set(float64(idle))
		s.log.Debug("agent connection pooled", "conn", pc.ID(), "remote", conn.RemoteAddr().String(), "idle", idle)
	}
}

// Acquire takes one idle agent connection, waiting up to timeout for the
// agent to supply one. The caller owns the returned connection and must
// close it; it is never returned to the pool.
func (s *Session) Acquire(ctx context.Context, timeout time.Duration) (*PooledConn, error) {
	s.touch()
	pc, err := s.pool.Acquire(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", s.id, err)
	}
	s.metrics.PoolIdle.WithLabelValues(s.id).Set(float64(s.pool.Len()))
	return pc, nil
}

// Allow reports whether the endpoint's rate limit admits one more request.
func (s *Session) Allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Closing reports whether Close has begun.
func (s *Session) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Info returns the session's current state.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.id,
		Port:         s.Port(),
		URL:          s.cfg.URLScheme + "://" + hostname.PublicHost(s.id, s.cfg.Domain),
		MaxConnCount: s.cfg.MaxSockets,
		Idle:         s.pool.Len(),
		InFlight:     s.pool.InFlight(),
		Accepted:     s.accepted.Load(),
		CreatedAt:    s.createdAt,
		LastActive:   s.LastActive(),
	}
}

func (s *Session) String() string {
	return s.id + "@" + strconv.Itoa(s.Port())
}

// pruneIdle closes pooled connections older than maxAge.
func (s *Session) pruneIdle(now time.Time, maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	n := s.pool.PruneIdle(now.Add(-maxAge))
	if n > 0 {
		s.metrics.AgentConnsPruned.WithLabelValues(s.id).Add(float64(n))
		s.metrics.PoolIdle.WithLabelValues(s.id).Set(float64(s.pool.Len()))
		s.log.Debug("pruned idle agent connections", "count", n)
	}
	return n
}

// expire starts closing the session if it has no connections and has seen
// no traffic for idleFor. It reports whether the session was closed.
func (s *Session) expire(now time.Time, idleFor time.Duration) bool {
	if idleFor <= 0 {
		return false
	}
	s.mu.Lock()
	if s.closing || s.pool.Len() > 0 || s.pool.InFlight() > 0 || now.Sub(s.LastActive()) < idleFor {
		s.mu.Unlock()
		return false
	}
	s.closing = true
	s.mu.Unlock()
	s.shutdown()
	return true
}

// Close stops the acceptor, closes the listener and drops idle connections.
// Connections already handed to a forwarder are left to finish.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()
	return s.shutdown()
}

func (s *Session) shutdown() error {
	s.mu.Lock()
	ln, cancel := s.listener, s.cancel
	s.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if ln != nil {
		err = ln.Close()
		<-s.done
	}
	s.pool.Close()
	s.metrics.forgetEndpoint(s.id)
	s.log.Info("session closed", "accepted", s.accepted.Load())
	return err
}

// Package relay wires the tunnel core to its public and admin listeners.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"relay/internal/config"
	"relay/internal/hostname"
	"relay/internal/logging"
	"relay/internal/tunnel"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg   config.Config
	log   *slog.Logger
	level *slog.LevelVar

	promReg   *prometheus.Registry
	registry  *tunnel.Registry
	forwarder *tunnel.Forwarder
	bridge    *tunnel.Bridge
	diag      *diagnostics

	public http.Handler
	admin  http.Handler

	mu       sync.Mutex
	publicLn net.Listener
	adminLn  net.Listener
}

// New builds a relay from cfg. level, when non-nil, is the LevelVar behind
// logger and is adjusted by Reload.
func New(cfg config.Config, logger *slog.Logger, level *slog.LevelVar) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if level == nil {
		level = new(slog.LevelVar)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := tunnel.NewMetrics(reg)

	router := hostname.Router{Domain: cfg.Domain}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		level:   level,
		promReg: reg,
		diag:    newDiagnostics(cfg.Diagnostics, router, adminURL(cfg.AdminAddr), logger),
	}
	s.registry = tunnel.NewRegistry(tunnel.SessionConfig{
		BindHost:         cfg.AgentBindHost,
		MaxSockets:       cfg.MaxSockets,
		Domain:           cfg.Domain,
		URLScheme:        cfg.URLScheme,
		AgentKeepAlive:   cfg.AgentKeepAlive,
		AgentUserTimeout: cfg.AgentUserTimeout,
		RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
		RateBurst:        cfg.RateLimit.Burst,
	}, logger, metrics)
	s.forwarder = tunnel.NewForwarder(tunnel.ForwarderConfig{
		AcquireTimeout:        cfg.AcquireTimeout,
		MaxAttempts:           cfg.MaxAttempts,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}, logger, metrics, s.diag.write)
	s.bridge = tunnel.NewBridge(cfg.Connect.DialTimeout, logger.With("component", "bridge"), metrics)

	s.public = &ingress{
		router:         router,
		registry:       s.registry,
		forwarder:      s.forwarder,
		bridge:         s.bridge,
		connectEnabled: cfg.Connect.Enabled,
		autoCreate:     cfg.Ingress.AutoCreate,
		diag:           s.diag,
		log:            logger,
	}
	admin := s.adminHandler()
	logged := requestlog.Wrap(admin)
	s.admin = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.level.Level() <= slog.LevelDebug {
			logged.ServeHTTP(w, r)
			return
		}
		admin.ServeHTTP(w, r)
	})
	return s, nil
}

func (s *Server) Registry() *tunnel.Registry { return s.registry }

// PublicHandler and AdminHandler expose the two surfaces for embedding and
// tests.
func (s *Server) PublicHandler() http.Handler { return s.public }
func (s *Server) AdminHandler() http.Handler  { return s.admin }

// Listen binds the public and admin listeners.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publicLn != nil {
		return nil
	}
	pub, err := net.Listen("tcp", s.cfg.PublicAddr)
	if err != nil {
		return fmt.Errorf("listen public %s: %w", s.cfg.PublicAddr, err)
	}
	adm, err := net.Listen("tcp", s.cfg.AdminAddr)
	if err != nil {
		_ = pub.Close()
		return fmt.Errorf("listen admin %s: %w", s.cfg.AdminAddr, err)
	}
	s.publicLn, s.adminLn = pub, adm
	return nil
}

func (s *Server) PublicAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publicLn == nil {
		return nil
	}
	return s.publicLn.Addr()
}

func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Serve runs both listeners and the session janitor until ctx is done, then
// shuts down gracefully. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	pubLn, admLn := s.publicLn, s.adminLn
	s.mu.Unlock()
	if pubLn == nil || admLn == nil {
		return errors.New("relay: Serve called before Listen")
	}

	errLog := slog.NewLogLogger(s.log.Handler(), slog.LevelWarn)
	public := &http.Server{
		Handler:           s.public,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          errLog,
	}
	admin := &http.Server{
		Handler:           s.admin,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          errLog,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("public listener ready", "addr", pubLn.Addr().String(), "domain", s.cfg.Domain)
		if err := public.Serve(pubLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("public server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("admin listener ready", "addr", admLn.Addr().String())
		if err := admin.Serve(admLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.registry.Run(gctx, s.cfg.SweepInterval, s.cfg.IdleConnTimeout, s.cfg.SessionIdleTimeout)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.bridge.Close()
		return errors.Join(public.Shutdown(shutdownCtx), admin.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// Run is Listen followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Reload applies the settings that can change without rebinding: log level
// and the diagnostics page.
func (s *Server) Reload(cfg config.Config) {
	if err := logging.SetLevel(s.level, cfg.Log.Level); err != nil {
		s.log.Warn("log level not changed", "error", err)
	}
	s.diag.enabled.Store(cfg.Diagnostics)
	s.log.Info("settings reloaded", "log_level", s.level.Level().String(), "diagnostics", cfg.Diagnostics)
}

// adminURL turns a listen address into a URL an operator can paste.
func adminURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

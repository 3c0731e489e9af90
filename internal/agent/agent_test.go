package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay/internal/config"
	"relay/internal/relay"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	valid := Config{AdminURL: "http://127.0.0.1:3000", Endpoint: "demo", LocalAddr: "127.0.0.1:8080"}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing scheme", mutate: func(c *Config) { c.AdminURL = "127.0.0.1:3000" }},
		{name: "ftp admin", mutate: func(c *Config) { c.AdminURL = "ftp://relay" }},
		{name: "bad endpoint", mutate: func(c *Config) { c.Endpoint = "Demo_1" }},
		{name: "local without port", mutate: func(c *Config) { c.LocalAddr = "localhost" }},
		{name: "negative connections", mutate: func(c *Config) { c.Connections = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if _, err := New(cfg, discardLogger()); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	a, err := New(valid, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.cfg.RelayHost != "127.0.0.1" {
		t.Fatalf("expected relay host from admin url, got %q", a.cfg.RelayHost)
	}
}

func TestResolveDecodesEnvelope(t *testing.T) {
	t.Parallel()
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/endpoints/demo" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"data":{"id":"demo","port":4321,"max_conn_count":3,"url":"http://demo.localhost"}}`)
	}))
	t.Cleanup(admin.Close)

	a, err := New(Config{AdminURL: admin.URL, Endpoint: "demo", LocalAddr: "127.0.0.1:1"}, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ep, err := a.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := Endpoint{ID: "demo", Port: 4321, MaxConnCount: 3, URL: "http://demo.localhost"}
	if ep != want {
		t.Fatalf("expected %+v, got %+v", want, ep)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		status       int
		body         string
		wantRejected bool
	}{
		{name: "rejected", status: http.StatusBadRequest, body: `{"ok":false,"error":"invalid endpoint id"}`, wantRejected: true},
		{name: "server error", status: http.StatusInternalServerError, body: `{"ok":false,"error":"port bind failed"}`},
		{name: "not json", status: http.StatusOK, body: `hello host`},
		{name: "zero port", status: http.StatusOK, body: `{"ok":true,"data":{"id":"demo","port":0}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			t.Cleanup(admin.Close)
			a, err := New(Config{AdminURL: admin.URL, Endpoint: "demo", LocalAddr: "127.0.0.1:1"}, discardLogger())
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			_, err = a.Resolve(context.Background())
			if !errors.Is(err, ErrResolve) {
				t.Fatalf("expected ErrResolve, got %v", err)
			}
			if errors.Is(err, ErrRejected) != tc.wantRejected {
				t.Fatalf("expected rejected=%v, got %v", tc.wantRejected, err)
			}
		})
	}
}

func TestRunStopsOnRejectedEndpoint(t *testing.T) {
	t.Parallel()
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"error":"nope"}`)
	}))
	t.Cleanup(admin.Close)
	a, _ := New(Config{AdminURL: admin.URL, Endpoint: "demo", LocalAddr: "127.0.0.1:1"}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestServeOneProxiesToLocal(t *testing.T) {
	t.Parallel()
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen-Host", r.Host)
		fmt.Fprintf(w, "%s %s %s", r.Method, r.URL.Path, body)
	}))
	t.Cleanup(local.Close)

	a, err := New(Config{AdminURL: "http://127.0.0.1:1", Endpoint: "demo", LocalAddr: local.Listener.Addr().String()}, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	relaySide, agentSide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- a.serveOne(context.Background(), agentSide) }()

	go fmt.Fprint(relaySide, "POST /submit HTTP/1.1\r\nHost: demo.example.com\r\nContent-Length: 4\r\n\r\nping")
	resp, err := http.ReadResponse(bufio.NewReader(relaySide), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	_ = relaySide.Close()

	if resp.StatusCode != http.StatusOK || string(body) != "POST /submit ping" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Seen-Host"); got != "demo.example.com" {
		t.Fatalf("expected public host to reach the local service, got %q", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("serveOne: %v", err)
	}
	if a.Served() != 1 {
		t.Fatalf("expected 1 served exchange, got %d", a.Served())
	}
}

func TestServeOneLocalDown(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := ln.Addr().String()
	_ = ln.Close()

	a, _ := New(Config{AdminURL: "http://127.0.0.1:1", Endpoint: "demo", LocalAddr: dead}, discardLogger())
	relaySide, agentSide := net.Pipe()
	go func() { _ = a.serveOne(context.Background(), agentSide) }()
	go fmt.Fprint(relaySide, "GET / HTTP/1.1\r\nHost: demo.example.com\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(relaySide), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = relaySide.Close()
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(string(body), "local service") {
		t.Fatalf("expected 502 from the agent, got %d %q", resp.StatusCode, body)
	}
}

func TestServeOneIdleCloseIsQuiet(t *testing.T) {
	t.Parallel()
	a, _ := New(Config{AdminURL: "http://127.0.0.1:1", Endpoint: "demo", LocalAddr: "127.0.0.1:1"}, discardLogger())
	relaySide, agentSide := net.Pipe()
	_ = relaySide.Close()
	if err := a.serveOne(context.Background(), agentSide); err != nil {
		t.Fatalf("expected a pruned connection to end quietly, got %v", err)
	}
}

func startRelay(t *testing.T) *relay.Server {
	t.Helper()
	cfg := config.Default()
	cfg.PublicAddr = "127.0.0.1:0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.AgentBindHost = "127.0.0.1"
	cfg.Domain = "example.com"
	cfg.MaxSockets = 3
	cfg.AcquireTimeout = 2 * time.Second
	srv, err := relay.New(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("relay listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

func publicGet(t *testing.T, srv *relay.Server, host, path string) (int, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, "http://"+srv.PublicAddr().String()+path, nil)
	req.Host = host
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("public get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestAgentEndToEnd(t *testing.T) {
	t.Parallel()
	srv := startRelay(t)
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "local saw %s", r.URL.Path)
	}))
	t.Cleanup(local.Close)

	a, err := New(Config{
		AdminURL:    "http://" + srv.AdminAddr().String(),
		Endpoint:    "demo",
		LocalAddr:   local.Listener.Addr().String(),
		Connections: 2,
		MaxBackoff:  200 * time.Millisecond,
	}, discardLogger())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	waitIdle(t, srv, "demo", 2)
	for i := range 5 {
		code, body := publicGet(t, srv, "demo.example.com", fmt.Sprintf("/req/%d", i))
		if code != http.StatusOK || body != fmt.Sprintf("local saw /req/%d", i) {
			t.Fatalf("request %d: unexpected %d %q", i, code, body)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.Served() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Served() != 5 {
		t.Fatalf("expected 5 served, got %d", a.Served())
	}

	// After eviction the old port refuses connections and the agent comes
	// back on a fresh session.
	if err := srv.Registry().Evict("demo"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	waitIdle(t, srv, "demo", 2)
	code, body := publicGet(t, srv, "demo.example.com", "/again")
	if code != http.StatusOK || body != "local saw /again" {
		t.Fatalf("after re-resolve: unexpected %d %q", code, body)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func waitIdle(t *testing.T, srv *relay.Server, id string, n int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if s, ok := srv.Registry().Lookup(id); ok && s.Info().Idle >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d idle connections on %s", n, id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

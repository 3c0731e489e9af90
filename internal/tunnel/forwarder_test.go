package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// answerOnce dials the session port like an agent and serves exactly one
// request with h before closing.
func answerOnce(t *testing.T, port int, h http.HandlerFunc) {
	t.Helper()
	conn := dialAgent(t, port)
	go func() {
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		rec := httptest.NewRecorder()
		h(rec, req)
		resp := rec.Result()
		resp.ContentLength = int64(rec.Body.Len())
		resp.Close = true
		_ = resp.Write(conn)
	}()
}

// hangUp dials the session port and closes as soon as a request arrives.
func hangUp(t *testing.T, port int) {
	t.Helper()
	conn := dialAgent(t, port)
	go func() {
		_, _ = http.ReadRequest(bufio.NewReader(conn))
		_ = conn.Close()
	}()
}

// dialAndHangUp connects like an agent and closes before any request.
func dialAndHangUp(t *testing.T, port int) {
	t.Helper()
	_ = dialAgent(t, port).Close()
}

func newForwardServer(t *testing.T, s *Session, cfg ForwarderConfig) *httptest.Server {
	t.Helper()
	fwd := NewForwarder(cfg, discardLogger(), nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fwd.Forward(w, r, s)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func publicGet(t *testing.T, srv *httptest.Server, host, path string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Host = host
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("public request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestForwardTwoConcurrentRequestsThenGatewayTimeout(t *testing.T) {
	t.Parallel()
	s := startSession(t, "demo", testSessionConfig(5))
	srv := newForwardServer(t, s, ForwarderConfig{AcquireTimeout: 150 * time.Millisecond})

	var arrived sync.WaitGroup
	arrived.Add(2)
	for i := range 2 {
		answerOnce(t, s.Port(), func(w http.ResponseWriter, r *http.Request) {
			arrived.Done()
			arrived.Wait()
			fmt.Fprintf(w, "agent-%d %s %s", i, r.Host, r.URL.Path)
		})
	}
	waitFor(t, "two pooled connections", func() bool { return s.pool.Len() == 2 })

	type result struct {
		status int
		body   string
	}
	results := make(chan result, 2)
	for _, path := range []string{"/one", "/two"} {
		go func() {
			status, body := publicGet(t, srv, "demo.example.com", path)
			results <- result{status, body}
		}()
	}

	agents := make(map[string]bool)
	paths := make(map[string]bool)
	for range 2 {
		select {
		case res := <-results:
			if res.status != http.StatusOK {
				t.Fatalf("expected 200, got %d (%s)", res.status, res.body)
			}
			fields := strings.Fields(res.body)
			if len(fields) != 3 || fields[1] != "demo.example.com" {
				t.Fatalf("unexpected agent response %q", res.body)
			}
			agents[fields[0]] = true
			paths[fields[2]] = true
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent requests did not complete")
		}
	}
	if len(agents) != 2 || !paths["/one"] || !paths["/two"] {
		t.Fatalf("expected two distinct connections serving both paths, got agents=%v paths=%v", agents, paths)
	}

	start := time.Now()
	status, _ := publicGet(t, srv, "demo.example.com", "/three")
	if status != http.StatusGatewayTimeout && status != http.StatusBadGateway {
		t.Fatalf("expected 502/504 with no agent connections, got %d", status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("gateway failure took %s, expected it within the acquire timeout", elapsed)
	}
	waitFor(t, "no connections in flight", func() bool { return s.pool.InFlight() == 0 })
}

func TestForwardSetsForwardingHeaders(t *testing.T) {
	t.Parallel()
	s := startSession(t, "demo", testSessionConfig(2))
	srv := newForwardServer(t, s, ForwarderConfig{AcquireTimeout: time.Second})

	answerOnce(t, s.Port(), func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s|%s|%s", r.Host, r.Header.Get("X-Forwarded-Host"), r.Header.Get("X-Forwarded-For"))
	})
	waitFor(t, "pooled connection", func() bool { return s.pool.Len() == 1 })

	status, body := publicGet(t, srv, "demo.example.com:8443", "/")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	want := "demo.example.com:8443|demo.example.com:8443|127.0.0.1"
	if body != want {
		t.Fatalf("expected %q, got %q", want, body)
	}
}

func TestForwardRetriesReplayableRequestOnFreshConnection(t *testing.T) {
	t.Parallel()
	s := startSession(t, "demo", testSessionConfig(3))
	srv := newForwardServer(t, s, ForwarderConfig{AcquireTimeout: time.Second, MaxAttempts: 3})

	answerOnce(t, s.Port(), func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "good")
	})
	waitFor(t, "first pooled connection", func() bool { return s.pool.Len() == 1 })
	hangUp(t, s.Port())
	waitFor(t, "second pooled connection", func() bool { return s.pool.Len() == 2 })

	status, body := publicGet(t, srv, "demo.example.com", "/")
	if status != http.StatusOK || body != "good" {
		t.Fatalf("expected retry to succeed, got %d %q", status, body)
	}
	if s.pool.Len() != 0 {
		t.Fatalf("expected both connections consumed, got %d idle", s.pool.Len())
	}
}

func TestForwardDoesNotRetryRequestWithBody(t *testing.T) {
	t.Parallel()
	s := startSession(t, "demo", testSessionConfig(3))
	srv := newForwardServer(t, s, ForwarderConfig{AcquireTimeout: time.Second, MaxAttempts: 3})

	answerOnce(t, s.Port(), func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "good")
	})
	waitFor(t, "first pooled connection", func() bool { return s.pool.Len() == 1 })
	hangUp(t, s.Port())
	waitFor(t, "second pooled connection", func() bool { return s.pool.Len() == 2 })

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/submit", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Host = "demo.example.com"
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("public request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for a failed non-replayable request, got %d", resp.StatusCode)
	}
	if s.pool.Len() != 1 {
		t.Fatalf("expected the healthy connection to stay pooled, got %d idle", s.pool.Len())
	}
}

func TestForwardSkipsConnectionClosedBeforeUse(t *testing.T) {
	t.Parallel()
	s := startSession(t, "demo", testSessionConfig(3))
	srv := newForwardServer(t, s, ForwarderConfig{AcquireTimeout: time.Second, MaxAttempts: 1})

	answerOnce(t, s.Port(), func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "got %s", body)
	})
	waitFor(t, "first pooled connection", func() bool { return s.pool.Len() == 1 })
	dialAndHangUp(t, s.Port())
	waitFor(t, "second pooled connection", func() bool { return s.pool.Len() == 2 })

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/submit", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Host = "demo.example.com"
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("public request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "got payload" {
		t.Fatalf("expected the live connection to serve the POST, got %d %q", resp.StatusCode, body)
	}
	if s.pool.Len() != 0 {
		t.Fatalf("expected the closed connection dropped and the live one consumed, got %d idle", s.pool.Len())
	}
}

func TestForwardGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	s := startSession(t, "demo", testSessionConfig(3))
	srv := newForwardServer(t, s, ForwarderConfig{AcquireTimeout: time.Second, MaxAttempts: 2})

	for range 3 {
		hangUp(t, s.Port())
	}
	waitFor(t, "three pooled connections", func() bool { return s.pool.Len() == 3 })

	status, _ := publicGet(t, srv, "demo.example.com", "/")
	if status != http.StatusBadGateway {
		t.Fatalf("expected 502 after exhausting attempts, got %d", status)
	}
	if s.pool.Len() != 1 {
		t.Fatalf("expected exactly two connections consumed, got %d idle", s.pool.Len())
	}
}

func TestForwardRateLimited(t *testing.T) {
	t.Parallel()
	cfg := testSessionConfig(1)
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	s := startSession(t, "demo", cfg)
	srv := newForwardServer(t, s, ForwarderConfig{AcquireTimeout: 10 * time.Millisecond})

	if status, _ := publicGet(t, srv, "demo.example.com", "/"); status != http.StatusGatewayTimeout {
		t.Fatalf("expected first request admitted and timed out with 504, got %d", status)
	}
	if status, _ := publicGet(t, srv, "demo.example.com", "/"); status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the burst is spent, got %d", status)
	}
}

func TestForwardCustomErrorWriter(t *testing.T) {
	t.Parallel()
	s := startSession(t, "demo", testSessionConfig(1))
	var (
		mu       sync.Mutex
		captured int
	)
	fwd := NewForwarder(ForwarderConfig{AcquireTimeout: 10 * time.Millisecond}, discardLogger(), nil,
		func(w http.ResponseWriter, _ *http.Request, status int, err error) {
			mu.Lock()
			captured = status
			mu.Unlock()
			w.WriteHeader(status)
			_, _ = io.WriteString(w, Category(err))
		})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://demo.example.com/", nil)
	fwd.Forward(rec, req, s)

	mu.Lock()
	defer mu.Unlock()
	if captured != http.StatusGatewayTimeout || rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 through the error writer, got captured=%d code=%d", captured, rec.Code)
	}
	if rec.Body.String() != "No agent connection available" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestForwardCallerCancelDiscardsConnection(t *testing.T) {
	t.Parallel()
	s := startSession(t, "demo", testSessionConfig(2))
	fwd := NewForwarder(ForwarderConfig{AcquireTimeout: time.Second}, discardLogger(), nil, nil)

	release := make(chan struct{})
	answerOnce(t, s.Port(), func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)
	waitFor(t, "pooled connection", func() bool { return s.pool.Len() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "http://demo.example.com/", nil).WithContext(ctx)
	done := make(chan struct{})
	go func() {
		fwd.Forward(httptest.NewRecorder(), req, s)
		close(done)
	}()
	waitFor(t, "connection in flight", func() bool { return s.pool.InFlight() == 1 })
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("forward did not return after the caller went away")
	}
	waitFor(t, "in-flight connection discarded", func() bool { return s.pool.InFlight() == 0 })
	if s.pool.Len() != 0 {
		t.Fatalf("expected the consumed connection never to return, got %d idle", s.pool.Len())
	}
}

func TestStatusCodeMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "rate limited", err: ErrRateLimited, want: http.StatusTooManyRequests},
		{name: "not found", err: ErrEndpointNotFound, want: http.StatusNotFound},
		{name: "no connection", err: fmt.Errorf("x: %w", ErrNoAvailableConnection), want: http.StatusGatewayTimeout},
		{name: "handshake", err: ErrHandshakeFailed, want: http.StatusBadGateway},
		{name: "upstream", err: fmt.Errorf("%w: %w", ErrUpstreamIO, ErrHandshakeFailed), want: http.StatusBadGateway},
		{name: "dial", err: ErrDialFailed, want: http.StatusBadGateway},
		{name: "bind", err: ErrPortBindFailed, want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusCode(tc.err); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

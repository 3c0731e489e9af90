package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
)

// BridgeState tracks one CONNECT tunnel.
type BridgeState int

const (
	BridgeReceived BridgeState = iota
	BridgeDialing
	BridgeBridging
	BridgeFailed
	BridgeClosed
)

func (s BridgeState) String() string {
	switch s {
	case BridgeReceived:
		return "received"
	case BridgeDialing:
		return "dialing"
	case BridgeBridging:
		return "bridging"
	case BridgeFailed:
		return "failed"
	case BridgeClosed:
		return "closed"
	default:
		return fmt.Sprintf("BridgeState(%d)", int(s))
	}
}

// BridgeResult is the outcome of a finished tunnel. BytesUp counts bytes from
// the caller to the target, BytesDown the reverse.
type BridgeResult struct {
	Target    string
	State     BridgeState
	BytesUp   int64
	BytesDown int64
	Err       error
}

// Bridge splices CONNECT traffic straight to its target, bypassing every
// session pool.
type Bridge struct {
	dialTimeout time.Duration
	log         *slog.Logger
	metrics     *Metrics
	dialer      net.Dialer
	active      atomic.Int64

	// ctx bounds hijacked tunnels, which outlive their request context.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBridge(dialTimeout time.Duration, logger *slog.Logger, metrics *Metrics) *Bridge {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		dialTimeout: dialTimeout,
		log:         logger,
		metrics:     orNopMetrics(metrics),
		dialer:      net.Dialer{Timeout: dialTimeout},
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Close tears down every tunnel started by ServeHTTP.
func (b *Bridge) Close() {
	b.cancel()
}

// Active is the number of tunnels currently splicing.
func (b *Bridge) Active() int64 { return b.active.Load() }

// Dial opens the outbound leg to target.
func (b *Bridge) Dial(ctx context.Context, target string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, b.dialTimeout)
	defer cancel()
	conn, err := b.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDialFailed, target, err)
	}
	return conn, nil
}

// Tunnel dials target and splices it with inbound until both directions are
// done. inbound is always closed on return.
func (b *Bridge) Tunnel(ctx context.Context, inbound net.Conn, target string) BridgeResult {
	outbound, err := b.Dial(ctx, target)
	if err != nil {
		_ = inbound.Close()
		return b.finish(BridgeResult{Target: target, State: BridgeFailed, Err: err})
	}
	return b.splice(ctx, inbound, outbound, target)
}

// ServeHTTP answers a CONNECT request: it dials the authority, confirms with
// 200 and then hands the raw connection to the splice.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if r.URL != nil && r.URL.Host != "" {
		target = r.URL.Host
	}
	log := b.log.With("target", target, "remote", r.RemoteAddr)
	log.Debug("connect received", "state", BridgeReceived)

	if r.Method != http.MethodConnect {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if host, port, err := net.SplitHostPort(target); err != nil || host == "" || port == "" {
		b.metrics.Bridges.WithLabelValues(BridgeFailed.String()).Inc()
		http.Error(w, "connect target must be host:port", http.StatusBadRequest)
		return
	}

	log.Debug("dialing", "state", BridgeDialing)
	outbound, err := b.Dial(r.Context(), target)
	if err != nil {
		b.finish(BridgeResult{Target: target, State: BridgeFailed, Err: err})
		http.Error(w, Category(err), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = outbound.Close()
		b.finish(BridgeResult{Target: target, State: BridgeFailed, Err: errors.New("connection cannot be hijacked")})
		http.Error(w, "connect unsupported", http.StatusInternalServerError)
		return
	}
	inbound, rw, err := hj.Hijack()
	if err != nil {
		_ = outbound.Close()
		b.finish(BridgeResult{Target: target, State: BridgeFailed, Err: err})
		return
	}
	_ = inbound.SetDeadline(time.Time{})

	if _, err := io.WriteString(inbound, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = inbound.Close()
		_ = outbound.Close()
		b.finish(BridgeResult{Target: target, State: BridgeFailed, Err: err})
		return
	}

	// Bytes the caller sent right after the request line may already sit in
	// the server's read buffer.
	if rw != nil && rw.Reader.Buffered() > 0 {
		inbound = &bufferedConn{Conn: inbound, r: rw.Reader}
	}

	b.splice(b.ctx, inbound, outbound, target)
}

func (b *Bridge) splice(ctx context.Context, inbound, outbound net.Conn, target string) BridgeResult {
	b.active.Add(1)
	b.metrics.BridgesActive.Inc()
	defer func() {
		b.active.Add(-1)
		b.metrics.BridgesActive.Dec()
	}()
	b.log.Debug("bridging", "target", target, "state", BridgeBridging)

	var (
		once     sync.Once
		firstErr error
		wg       sync.WaitGroup
		up, down int64
	)
	closeBoth := func() {
		_ = inbound.Close()
		_ = outbound.Close()
	}
	record := func(err error) {
		if err == nil || errors.Is(err, net.ErrClosed) {
			return
		}
		once.Do(func() {
			firstErr = err
			closeBoth()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := io.Copy(outbound, inbound)
		up = n
		record(err)
		closeWrite(outbound)
	}()
	go func() {
		defer wg.Done()
		n, err := io.Copy(inbound, outbound)
		down = n
		record(err)
		closeWrite(inbound)
	}()
	wg.Wait()
	closeBoth()

	res := BridgeResult{Target: target, State: BridgeClosed, BytesUp: up, BytesDown: down, Err: firstErr}
	if firstErr != nil {
		res.State = BridgeFailed
	}
	return b.finish(res)
}

func (b *Bridge) finish(res BridgeResult) BridgeResult {
	b.metrics.Bridges.WithLabelValues(res.State.String()).Inc()
	b.metrics.BridgeBytes.WithLabelValues("up").Add(float64(res.BytesUp))
	b.metrics.BridgeBytes.WithLabelValues("down").Add(float64(res.BytesDown))

	attrs := []any{
		"target", res.Target,
		"state", res.State,
		"sent", sizestr.ToString(res.BytesUp),
		"received", sizestr.ToString(res.BytesDown),
	}
	if res.Err != nil {
		b.log.Warn("connect tunnel ended", append(attrs, "error", res.Err)...)
	} else {
		b.log.Info("connect tunnel ended", attrs...)
	}
	return res
}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if bc, ok := c.(*bufferedConn); ok {
		c = bc.Conn
	}
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// bufferedConn drains a reader that already consumed part of the stream
// before reading the connection directly.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	return c.Conn.Read(p)
}

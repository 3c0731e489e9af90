package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PooledConn is an agent-originated connection waiting in, or taken from, a
// session pool. It is handed out at most once and never goes back.
type PooledConn struct {
	net.Conn

	id         uint64
	acceptedAt time.Time
	release    func()

	pool      *Pool
	consumed  atomic.Bool
	closeOnce sync.Once
}

func newPooledConn(conn net.Conn, id uint64, release func()) *PooledConn {
	return &PooledConn{
		Conn:       conn,
		id:         id,
		acceptedAt: time.Now(),
		release:    release,
	}
}

// ID is the per-session sequence number assigned when the agent connected.
func (c *PooledConn) ID() uint64 { return c.id }

func (c *PooledConn) AcceptedAt() time.Time { return c.acceptedAt }

// livenessWait bounds the read used to check a pooled connection before use.
const livenessWait = time.Millisecond

// Alive reports whether the agent end is still open. Agents never write
// before they get a request, so EOF, a reset or any stray byte all mean the
// connection is unusable. Only a read timeout counts as alive.
func (c *PooledConn) Alive() bool {
	if err := c.Conn.SetReadDeadline(time.Now().Add(livenessWait)); err != nil {
		return false
	}
	var b [1]byte
	_, err := c.Conn.Read(b[:])
	if c.Conn.SetReadDeadline(time.Time{}) != nil {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Consumed reports whether the connection has left the pool.
func (c *PooledConn) Consumed() bool { return c.consumed.Load() }

// Close closes the underlying connection and frees its capacity slot. It is
// safe to call more than once.
func (c *PooledConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		if c.consumed.Load() && c.pool != nil {
			c.pool.inFlight.Add(-1)
		}
		if c.release != nil {
			c.release()
		}
	})
	return err
}

// Pool is a LIFO stack of idle agent connections. Push and pop are guarded by
// a single mutex owned by the session; waiters are woken through a channel
// that is closed and replaced on every push.
type Pool struct {
	mu     sync.Mutex
	idle   []*PooledConn
	ready  chan struct{}
	closed bool

	inFlight atomic.Int64
}

func NewPool() *Pool {
	return &Pool{ready: make(chan struct{})}
}

// Put adds c to the top of the stack. A closed pool closes c instead.
func (p *Pool) Put(c *PooledConn) error {
	c.pool = p
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.Close()
		return ErrSessionClosed
	}
	p.idle = append(p.idle, c)
	close(p.ready)
	p.ready = make(chan struct{})
	p.mu.Unlock()
	return nil
}

// TryAcquire pops the most recently accepted idle connection, if any.
func (p *Pool) TryAcquire() (*PooledConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popLocked()
}

func (p *Pool) popLocked() (*PooledConn, error) {
	if p.closed {
		return nil, ErrSessionClosed
	}
	n := len(p.idle)
	if n == 0 {
		return nil, ErrNoAvailableConnection
	}
	c := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	c.consumed.Store(true)
	p.inFlight.Add(1)
	return c, nil
}

// Acquire pops the most recently accepted idle connection, waiting up to
// timeout for an agent to supply one. A timeout <= 0 never waits.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*PooledConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAvailableConnection, err)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		p.mu.Lock()
		c, err := p.popLocked()
		ready := p.ready
		p.mu.Unlock()
		if err == nil || errors.Is(err, ErrSessionClosed) || timeout <= 0 {
			return c, err
		}

		select {
		case <-ready:
		case <-expired:
			return nil, fmt.Errorf("%w: waited %s", ErrNoAvailableConnection, timeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNoAvailableConnection, ctx.Err())
		}
	}
}

// Len is the number of idle connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// InFlight is the number of connections taken from the pool and not yet closed.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// PruneIdle closes idle connections accepted before cutoff and returns how
// many were dropped. The stack is ordered by accept time, so only a prefix
// can qualify.
func (p *Pool) PruneIdle(cutoff time.Time) int {
	p.mu.Lock()
	n := 0
	for n < len(p.idle) && p.idle[n].acceptedAt.Before(cutoff) {
		n++
	}
	stale := make([]*PooledConn, n)
	copy(stale, p.idle[:n])
	kept := copy(p.idle, p.idle[n:])
	clear(p.idle[kept:])
	p.idle = p.idle[:kept]
	p.mu.Unlock()

	for _, c := range stale {
		_ = c.Close()
	}
	return n
}

// Close drops every idle connection and wakes all waiters. Connections
// already handed out stay with their owners.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	close(p.ready)
	p.mu.Unlock()

	for _, c := range idle {
		_ = c.Close()
	}
}

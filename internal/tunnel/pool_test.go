package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func pipeConn(t *testing.T, id uint64, release func()) *PooledConn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return newPooledConn(a, id, release)
}

func TestPoolAcquireIsLIFO(t *testing.T) {
	t.Parallel()
	p := NewPool()
	for id := uint64(1); id <= 3; id++ {
		if err := p.Put(pipeConn(t, id, nil)); err != nil {
			t.Fatalf("put %d: %v", id, err)
		}
	}

	for _, want := range []uint64{3, 2, 1} {
		before := p.Len()
		c, err := p.TryAcquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if c.ID() != want {
			t.Fatalf("expected conn %d, got %d", want, c.ID())
		}
		if !c.Consumed() {
			t.Fatalf("expected conn %d to be marked consumed", want)
		}
		if p.Len() != before-1 {
			t.Fatalf("expected pool size %d, got %d", before-1, p.Len())
		}
	}
	if p.InFlight() != 3 {
		t.Fatalf("expected 3 in flight, got %d", p.InFlight())
	}
}

func TestPoolAcquireEmptyWithZeroTimeout(t *testing.T) {
	t.Parallel()
	p := NewPool()

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), 0)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrNoAvailableConnection) {
			t.Fatalf("expected ErrNoAvailableConnection, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire on empty pool with zero timeout blocked")
	}
}

func TestPoolAcquireTimesOut(t *testing.T) {
	t.Parallel()
	p := NewPool()
	start := time.Now()
	_, err := p.Acquire(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, ErrNoAvailableConnection) {
		t.Fatalf("expected ErrNoAvailableConnection, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("acquire returned after %s, before its timeout", elapsed)
	}
}

func TestPoolAcquireWaitsForPut(t *testing.T) {
	t.Parallel()
	p := NewPool()
	c := pipeConn(t, 7, nil)

	got := make(chan *PooledConn, 1)
	go func() {
		pc, err := p.Acquire(context.Background(), 2*time.Second)
		if err != nil {
			t.Errorf("acquire: %v", err)
		}
		got <- pc
	}()

	time.Sleep(20 * time.Millisecond)
	if err := p.Put(c); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case pc := <-got:
		if pc != c {
			t.Fatalf("expected the conn that was put, got %v", pc)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not woken by put")
	}
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	t.Parallel()
	p := NewPool()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.Acquire(ctx, time.Minute)
	if !errors.Is(err, ErrNoAvailableConnection) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected no-connection wrapping context.Canceled, got %v", err)
	}
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	t.Parallel()
	p := NewPool()
	errs := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), time.Minute)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not wake waiter")
	}

	var released atomic.Int32
	if err := p.Put(pipeConn(t, 1, func() { released.Add(1) })); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected put on closed pool to fail, got %v", err)
	}
	if released.Load() != 1 {
		t.Fatalf("expected rejected conn to be released once, got %d", released.Load())
	}
}

func TestPooledConnCloseReleasesOnce(t *testing.T) {
	t.Parallel()
	var released atomic.Int32
	p := NewPool()
	if err := p.Put(pipeConn(t, 1, func() { released.Add(1) })); err != nil {
		t.Fatalf("put: %v", err)
	}
	c, err := p.TryAcquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_ = c.Close()
	_ = c.Close()
	if released.Load() != 1 {
		t.Fatalf("expected one release, got %d", released.Load())
	}
	if p.InFlight() != 0 {
		t.Fatalf("expected 0 in flight after close, got %d", p.InFlight())
	}
}

func TestPoolPruneIdle(t *testing.T) {
	t.Parallel()
	p := NewPool()
	now := time.Now()
	var released atomic.Int32
	for i, age := range []time.Duration{time.Hour, 30 * time.Minute, time.Second} {
		c := pipeConn(t, uint64(i+1), func() { released.Add(1) })
		c.acceptedAt = now.Add(-age)
		if err := p.Put(c); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	if n := p.PruneIdle(now.Add(-10 * time.Minute)); n != 2 {
		t.Fatalf("expected 2 pruned, got %d", n)
	}
	if released.Load() != 2 {
		t.Fatalf("expected 2 releases, got %d", released.Load())
	}
	c, err := p.TryAcquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if c.ID() != 3 {
		t.Fatalf("expected the fresh conn to survive, got %d", c.ID())
	}
}

func TestPoolConcurrentAcquireHandsOutEachConnOnce(t *testing.T) {
	t.Parallel()
	const n = 50
	p := NewPool()

	var (
		mu   sync.Mutex
		seen = make(map[uint64]int)
		wg   sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), 2*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			seen[c.ID()]++
			mu.Unlock()
		}()
	}
	for id := uint64(1); id <= n; id++ {
		if err := p.Put(pipeConn(t, id, nil)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct conns, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("conn %d handed out %d times", id, count)
		}
	}
}

func TestPooledConnAlive(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		peer func(net.Conn)
		want bool
	}{
		{name: "open and quiet", peer: func(net.Conn) {}, want: true},
		{name: "closed by agent", peer: func(c net.Conn) { _ = c.Close() }, want: false},
		{name: "agent spoke first", peer: func(c net.Conn) { go func() { _, _ = c.Write([]byte("x")) }() }, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, b := net.Pipe()
			t.Cleanup(func() {
				_ = a.Close()
				_ = b.Close()
			})
			pc := newPooledConn(a, 1, nil)
			tc.peer(b)
			time.Sleep(10 * time.Millisecond)
			if got := pc.Alive(); got != tc.want {
				t.Fatalf("expected Alive() = %v, got %v", tc.want, got)
			}
		})
	}
}

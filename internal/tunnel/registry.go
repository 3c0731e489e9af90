package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"relay/internal/hostname"
)

// Stats aggregates session and connection counts across the registry.
type Stats struct {
	TunnelsCount    int   `json:"tunnels_count"`
	IdleConnections int   `json:"idle_connections"`
	InFlight        int   `json:"in_flight"`
	ActiveBridges   int64 `json:"active_bridges"`
}

// Registry maps endpoint ids to sessions. Lookups are lock-free; creation is
// coalesced per id so concurrent first resolutions bind exactly one listener.
type Registry struct {
	cfg     SessionConfig
	log     *slog.Logger
	metrics *Metrics

	sessions sync.Map // endpoint id -> *Session
	creating singleflight.Group
}

func NewRegistry(cfg SessionConfig, logger *slog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		log:     logger,
		metrics: orNopMetrics(metrics),
	}
}

// Resolve returns the session for id, creating and starting it if needed.
func (r *Registry) Resolve(ctx context.Context, id string) (*Session, error) {
	if err := hostname.ValidateID(id); err != nil {
		return nil, err
	}
	// A session evicted between creation and return is replaced; bound the
	// number of rounds so a pathological sweep cannot spin us.
	for range 3 {
		if s, ok := r.Lookup(id); ok {
			return s, nil
		}
		v, err, _ := r.creating.Do(id, func() (any, error) {
			if s, ok := r.Lookup(id); ok {
				return s, nil
			}
			s := NewSession(id, r.cfg, r.log, r.metrics)
			// The first caller's cancellation must not fail everyone
			// coalesced behind it.
			if err := s.Start(context.WithoutCancel(ctx)); err != nil {
				return nil, err
			}
			r.sessions.Store(id, s)
			r.metrics.SessionsCreated.Inc()
			r.metrics.SessionsActive.Inc()
			return s, nil
		})
		if err != nil {
			r.log.Error("session create failed", "endpoint", id, "error", err)
			return nil, err
		}
		if s := v.(*Session); !s.Closing() {
			return s, nil
		}
	}
	return nil, fmt.Errorf("endpoint %s: %w", id, ErrSessionClosed)
}

// Lookup returns the live session for id without creating one.
func (r *Registry) Lookup(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	s := v.(*Session)
	if s.Closing() {
		r.remove(id, s)
		return nil, false
	}
	return s, true
}

// Evict closes the session for id and removes it.
func (r *Registry) Evict(id string) error {
	v, ok := r.sessions.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	s := v.(*Session)
	if r.remove(id, s) {
		r.metrics.SessionsEvicted.Inc()
	}
	return s.Close()
}

// remove deletes id if it still maps to s. Whichever caller wins the delete
// owns the gauge decrement.
func (r *Registry) remove(id string, s *Session) bool {
	if !r.sessions.CompareAndDelete(id, s) {
		return false
	}
	r.metrics.SessionsActive.Dec()
	return true
}

// Sweep prunes stale idle connections and evicts sessions that have been
// unused for sessionIdle. It returns the ids it evicted.
func (r *Registry) Sweep(now time.Time, connIdle, sessionIdle time.Duration) []string {
	var evicted []string
	r.sessions.Range(func(key, value any) bool {
		id, s := key.(string), value.(*Session)
		s.pruneIdle(now, connIdle)
		if s.expire(now, sessionIdle) {
			r.remove(id, s)
			r.metrics.SessionsEvicted.Inc()
			evicted = append(evicted, id)
		}
		return true
	})
	if len(evicted) > 0 {
		sort.Strings(evicted)
		r.log.Info("evicted idle sessions", "endpoints", evicted)
	}
	return evicted
}

// Run sweeps every interval until ctx is done, then closes all sessions.
func (r *Registry) Run(ctx context.Context, interval, connIdle, sessionIdle time.Duration) {
	defer r.Close()
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now, connIdle, sessionIdle)
		}
	}
}

// List returns every live session sorted by id.
func (r *Registry) List() []SessionInfo {
	var out []SessionInfo
	r.sessions.Range(func(_, value any) bool {
		if s := value.(*Session); !s.Closing() {
			out = append(out, s.Info())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Stats() Stats {
	var st Stats
	r.sessions.Range(func(_, value any) bool {
		s := value.(*Session)
		if s.Closing() {
			return true
		}
		st.TunnelsCount++
		st.IdleConnections += s.pool.Len()
		st.InFlight += s.pool.InFlight()
		return true
	})
	return st
}

// Close closes every session.
func (r *Registry) Close() {
	r.sessions.Range(func(key, value any) bool {
		s := value.(*Session)
		r.remove(key.(string), s)
		_ = s.Close()
		return true
	})
}

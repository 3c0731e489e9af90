package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay/internal/hostname"
	"relay/internal/tunnel"
)

// EndpointInfo is what an agent needs to start supplying connections.
type EndpointInfo struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
}

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/endpoints", s.handleListEndpoints)
	mux.HandleFunc("GET /api/endpoints/{id}", s.handleResolve)
	mux.HandleFunc("POST /api/endpoints/{id}", s.handleResolve)
	mux.HandleFunc("DELETE /api/endpoints/{id}", s.handleEvict)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	// Bare resolve for older clients that call /{id} directly; it answers
	// with the endpoint info itself rather than the API envelope.
	mux.HandleFunc("GET /{id}", s.handleResolveBare)
	return mux
}

func (s *Server) Stats() tunnel.Stats {
	st := s.registry.Stats()
	st.ActiveBridges = s.bridge.Active()
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	if list == nil {
		list = []tunnel.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) resolve(r *http.Request) (EndpointInfo, error) {
	sess, err := s.registry.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		return EndpointInfo{}, err
	}
	info := sess.Info()
	s.log.Info("endpoint resolved", "endpoint", info.ID, "port", info.Port, "remote", r.RemoteAddr)
	return EndpointInfo{ID: info.ID, Port: info.Port, MaxConnCount: info.MaxConnCount, URL: info.URL}, nil
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	info, err := s.resolve(r)
	if err != nil {
		writeJSON(w, adminStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleResolveBare(w http.ResponseWriter, r *http.Request) {
	info, err := s.resolve(r)
	if err != nil {
		writeJSON(w, adminStatus(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Evict(id); err != nil {
		writeJSON(w, adminStatus(err), err)
		return
	}
	s.log.Info("endpoint evicted", "endpoint", id, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func adminStatus(err error) int {
	switch {
	case errors.Is(err, hostname.ErrInvalidEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, tunnel.ErrEndpointNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := map[string]any{}
	if status >= 400 {
		msg := payload
		if err, ok := payload.(error); ok {
			msg = err.Error()
		}
		body["ok"] = false
		body["error"] = msg
	} else {
		body["ok"] = true
		body["data"] = payload
	}

	_ = json.NewEncoder(w).Encode(body)
}

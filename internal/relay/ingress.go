package relay

import (
	"fmt"
	"log/slog"
	"net/http"

	"relay/internal/hostname"
	"relay/internal/tunnel"
)

// ingress is the public front door. CONNECT requests go to the bridge; every
// other request is routed by the endpoint label of its Host header.
type ingress struct {
	router         hostname.Router
	registry       *tunnel.Registry
	forwarder      *tunnel.Forwarder
	bridge         *tunnel.Bridge
	connectEnabled bool
	autoCreate     bool
	diag           *diagnostics
	log            *slog.Logger
}

func (in *ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		if !in.connectEnabled {
			http.Error(w, "CONNECT is disabled on this relay", http.StatusMethodNotAllowed)
			return
		}
		in.bridge.ServeHTTP(w, r)
		return
	}

	id, err := in.router.Extract(r.Host)
	if err != nil {
		in.log.Debug("unroutable host", "host", r.Host, "error", err)
		in.diag.write(w, r, http.StatusBadRequest, err)
		return
	}

	s, ok := in.registry.Lookup(id)
	if !ok {
		if !in.autoCreate {
			in.diag.write(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", tunnel.ErrEndpointNotFound, id))
			return
		}
		if s, err = in.registry.Resolve(r.Context(), id); err != nil {
			in.diag.write(w, r, tunnel.StatusCode(err), err)
			return
		}
	}
	in.forwarder.Forward(w, r, s)
}

package relay

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"relay/internal/hostname"
	"relay/internal/tunnel"
)

const diagnosticIDHeader = "X-Relay-Diagnostic-Id"

// diagnostics renders public-facing failures, either as an HTML page that
// helps whoever runs the agent or as a short plain-text error.
type diagnostics struct {
	enabled  atomic.Bool
	router   hostname.Router
	adminURL string
	log      *slog.Logger
}

func newDiagnostics(enabled bool, router hostname.Router, adminURL string, logger *slog.Logger) *diagnostics {
	d := &diagnostics{router: router, adminURL: strings.TrimSuffix(adminURL, "/"), log: logger}
	d.enabled.Store(enabled)
	return d
}

func (d *diagnostics) write(w http.ResponseWriter, r *http.Request, status int, err error) {
	id := uuid.NewString()
	w.Header().Set(diagnosticIDHeader, id)
	d.log.Debug("diagnostic issued", "diagnostic_id", id, "host", r.Host, "status", status, "error", err)

	if !d.enabled.Load() {
		http.Error(w, tunnel.Category(err), status)
		return
	}

	endpoint, _ := d.router.Extract(r.Host)
	suggestions := []string{"relay status --admin " + d.adminURL}
	if endpoint != "" {
		suggestions = append(suggestions,
			fmt.Sprintf("curl -sS %s/api/endpoints/%s", d.adminURL, endpoint),
			fmt.Sprintf("relay agent --admin %s --endpoint %s --local 127.0.0.1:8080", d.adminURL, endpoint),
		)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = diagnosticTemplate.Execute(w, diagnosticView{
		Host:         r.Host,
		Endpoint:     endpoint,
		Status:       status,
		StatusText:   http.StatusText(status),
		Category:     tunnel.Category(err),
		Error:        strings.TrimSpace(fmt.Sprintf("%v", err)),
		DiagnosticID: id,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Suggestions:  suggestions,
	})
}

type diagnosticView struct {
	Host         string
	Endpoint     string
	Status       int
	StatusText   string
	Category     string
	Error        string
	DiagnosticID string
	Timestamp    string
	Suggestions  []string
}

var diagnosticTemplate = template.Must(template.New("diagnostic").Parse(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>relay: {{.Status}} {{.StatusText}}</title>
    <style>
      :root {
        --bg: #f4f6f8;
        --panel: #ffffff;
        --ink: #1b1f24;
        --muted: #5b6470;
        --accent: #1d4ed8;
        --danger: #b42318;
        --border: #d5dae1;
      }
      * { box-sizing: border-box; }
      body {
        margin: 0;
        font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, sans-serif;
        color: var(--ink);
        background: var(--bg);
      }
      .wrap { max-width: 820px; margin: 32px auto; padding: 0 18px; }
      .panel {
        background: var(--panel);
        border: 1px solid var(--border);
        border-radius: 12px;
        padding: 22px;
        box-shadow: 0 6px 20px rgba(0,0,0,0.06);
      }
      h1 { margin: 0 0 10px; font-size: 1.4rem; line-height: 1.2; }
      .meta { color: var(--muted); margin: 4px 0 16px; }
      .pill {
        display: inline-block;
        background: #e8eefc;
        color: var(--accent);
        border: 1px solid #bfd0f7;
        padding: 4px 10px;
        border-radius: 999px;
        margin-bottom: 14px;
        font-weight: 600;
      }
      .error {
        color: var(--danger);
        font-family: ui-monospace, SFMono-Regular, Menlo, Monaco, monospace;
        font-size: 0.9rem;
        background: #fff5f4;
        border: 1px solid #f2c8c5;
        border-radius: 8px;
        padding: 10px;
        overflow-wrap: anywhere;
      }
      code {
        font-family: ui-monospace, SFMono-Regular, Menlo, Monaco, monospace;
        background: #f2f5f8;
        border: 1px solid #dde3ea;
        border-radius: 6px;
        padding: 2px 6px;
      }
      ul { margin: 10px 0 0; padding-left: 20px; }
      li { margin: 6px 0; }
    </style>
  </head>
  <body>
    <main class="wrap">
      <section class="panel">
        <h1>{{.Status}} {{.StatusText}}</h1>
        <p class="pill">{{.Category}}</p>
        <p class="meta">Host: <code>{{.Host}}</code>{{if .Endpoint}} · Endpoint: <code>{{.Endpoint}}</code>{{end}}</p>
        <p class="meta">Diagnostic ID: <code>{{.DiagnosticID}}</code> · Time: <code>{{.Timestamp}}</code></p>
        {{if .Error}}
          <p class="error">{{.Error}}</p>
        {{end}}
        <h2>Suggested checks</h2>
        <ul>
          {{range .Suggestions}}
            <li><code>{{.}}</code></li>
          {{end}}
        </ul>
      </section>
    </main>
  </body>
</html>`))

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/spf13/cobra"

	"relay/internal/tunnel"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show tunnels registered on a relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, _ := cmd.Flags().GetString("admin")
		if !cmd.Flags().Changed("admin") {
			admin = envOrDefault("RELAY_ADMIN_URL", admin)
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		snap, err := fetchStatus(ctx, http.DefaultClient, admin)
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		_, err = lipgloss.Fprintln(cmd.OutOrStdout(), renderStatus(snap, admin, time.Now()))
		return err
	},
}

func init() {
	statusCmd.Flags().String("admin", "http://127.0.0.1:3000", "Relay admin API URL (or RELAY_ADMIN_URL)")
	statusCmd.Flags().Bool("json", false, "Print the raw status as JSON")
}

type statusSnapshot struct {
	Stats     tunnel.Stats         `json:"stats"`
	Endpoints []tunnel.SessionInfo `json:"endpoints"`
}

func fetchStatus(ctx context.Context, client *http.Client, admin string) (statusSnapshot, error) {
	base, err := url.Parse(strings.TrimSpace(admin))
	if err != nil || base.Host == "" {
		return statusSnapshot{}, fmt.Errorf("invalid admin url %q", admin)
	}
	var snap statusSnapshot
	if err := getEnvelope(ctx, client, base.JoinPath("api", "status").String(), &snap.Stats); err != nil {
		return statusSnapshot{}, err
	}
	if err := getEnvelope(ctx, client, base.JoinPath("api", "endpoints").String(), &snap.Endpoints); err != nil {
		return statusSnapshot{}, err
	}
	return snap, nil
}

// getEnvelope fetches u and decodes the data field of the admin API's
// {"ok":..., "data":..., "error":...} envelope into out.
func getEnvelope(ctx context.Context, client *http.Client, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("relay admin unreachable: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&env); err != nil {
		return fmt.Errorf("%s: %s: unexpected response: %w", u, resp.Status, err)
	}
	if !env.OK {
		return fmt.Errorf("%s: %s: %s", u, resp.Status, env.Error)
	}
	return json.Unmarshal(env.Data, out)
}

func renderStatus(snap statusSnapshot, admin string, now time.Time) string {
	accent := lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	good := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warn := lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	var b strings.Builder
	b.WriteString(accent.Render("relay") + " " + dim.Render(admin) + "\n")
	fmt.Fprintf(&b, "tunnels %d · idle %d · in flight %d · bridges %d\n",
		snap.Stats.TunnelsCount, snap.Stats.IdleConnections, snap.Stats.InFlight, snap.Stats.ActiveBridges)

	if len(snap.Endpoints) == 0 {
		b.WriteString(dim.Render("no endpoints registered"))
		return b.String()
	}

	rows := make([][]string, 0, len(snap.Endpoints))
	for _, ep := range snap.Endpoints {
		rows = append(rows, []string{
			ep.ID,
			ep.URL,
			strconv.Itoa(ep.Port),
			fmt.Sprintf("%d/%d", ep.Idle+ep.InFlight, ep.MaxConnCount),
			strconv.Itoa(ep.InFlight),
			humanSince(now, ep.LastActive),
		})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dim).
		Headers("ENDPOINT", "URL", "PORT", "CONNS", "IN FLIGHT", "LAST ACTIVE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			cell := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return cell.Inherit(accent)
			}
			if col == 3 {
				ep := snap.Endpoints[row]
				if ep.Idle == 0 {
					return cell.Inherit(warn)
				}
				return cell.Inherit(good)
			}
			return cell
		})
	b.WriteString(t.Render())
	return b.String()
}

func humanSince(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

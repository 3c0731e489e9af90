package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/agent"
	"relay/internal/logging"
)

var agentCmd = &cobra.Command{
	Use:   "agent --endpoint ID --local HOST:PORT",
	Short: "Expose a local HTTP service through a relay endpoint",
	Example: `  relay agent --endpoint demo --local 127.0.0.1:8080
  relay agent --admin http://relay.example.com:3000 --endpoint demo --local :8080 --connections 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, _ := cmd.Flags().GetString("admin")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		local, _ := cmd.Flags().GetString("local")
		conns, _ := cmd.Flags().GetInt("connections")
		relayHost, _ := cmd.Flags().GetString("relay-host")
		logFormat, _ := cmd.Flags().GetString("log-format")
		if !cmd.Flags().Changed("admin") {
			admin = envOrDefault("RELAY_ADMIN_URL", admin)
		}

		level := "info"
		if isTruthyEnv("RELAY_VERBOSE") {
			level = "debug"
		}
		logger, _, err := logging.New(os.Stderr, level, logFormat)
		if err != nil {
			return err
		}

		a, err := agent.New(agent.Config{
			AdminURL:    admin,
			Endpoint:    endpoint,
			LocalAddr:   local,
			Connections: conns,
			RelayHost:   relayHost,
			DialTimeout: 10 * time.Second,
		}, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

func init() {
	agentCmd.Flags().String("admin", "http://127.0.0.1:3000", "Relay admin API URL (or RELAY_ADMIN_URL)")
	agentCmd.Flags().String("endpoint", "", "Endpoint id to register")
	agentCmd.Flags().String("local", "", "Local service address, HOST:PORT")
	agentCmd.Flags().Int("connections", 0, "Connections to keep open (default: the relay's max_conn_count)")
	agentCmd.Flags().String("relay-host", "", "Host to dial for the endpoint port (default: the admin URL host)")
	agentCmd.Flags().String("log-format", "auto", "Log format: auto, text or json")
	_ = agentCmd.MarkFlagRequired("endpoint")
	_ = agentCmd.MarkFlagRequired("local")
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spicemcp/spice/engine/mcpserver"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/spicemcp/spice/pkg/logger"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Serve the Dune tools to MCP clients.
The stdio transport is the default; the http transport exposes streamable HTTP on /mcp,
SSE on /sse and /message, and a /healthz probe.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("transport", "", "MCP transport (stdio, http)")
	cmd.Flags().String("host", "", "Host to bind the HTTP transport to")
	cmd.Flags().Int("port", 0, "Port for the HTTP transport")
	cmd.Flags().String("base-url", "", "Public base URL announced by the SSE transport")
	cmd.Flags().Int64("rate-limit", 0, "Requests allowed per client and rate limit period on the HTTP transport (0 disables)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	cfg := config.FromContext(ctx)
	log := logger.FromContext(ctx)

	deps, err := mcpserver.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	defer func() {
		if err := deps.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to release server resources", "error", err)
		}
	}()

	srv := mcpserver.New(ctx, deps)
	switch cfg.Server.Transport {
	case config.TransportHTTP:
		return mcpserver.NewHTTPServer(ctx, srv, &cfg.Server).Start(ctx)
	default:
		return srv.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	}
}

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mmr-tortoise/dynport/internal/config"
	"github.com/mmr-tortoise/dynport/internal/metrics"
	"github.com/mmr-tortoise/dynport/internal/model"
	"github.com/mmr-tortoise/dynport/internal/server"
)

type serveFlags struct {
	host string
	port int
}

// NewServeCommand creates the "serve" command.
func NewServeCommand() *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the allocator over HTTP",
		Long: `Run a long-lived allocator behind an HTTP API.

The allocator refreshes its view of the state file in the background. On
SIGINT or SIGTERM the server drains in-flight requests and the allocator
stops, releasing its held port unless retain_on_stop is set.

Endpoints live under /api/v1/port; /health and /metrics are served at the
root.

Examples:
  dynport serve --port 8080
  dynport serve --config dynport.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = flags.host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = flags.port
			}
			if err := cfg.Validate(); err != nil {
				return model.WrapCLIError(model.ExitInvalidConfig, "invalid configuration", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&flags.host, "host", "", "Listen host (default from config, 0.0.0.0)")
	cmd.Flags().IntVar(&flags.port, "port", 0, "Listen port (default from config, 8080)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server, s.alloc, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("stopping allocator")
		return s.Close()
	})

	if err := g.Wait(); err != nil {
		return asCLIError("server stopped with error", err)
	}
	return nil
}

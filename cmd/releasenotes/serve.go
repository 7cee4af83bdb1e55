package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		bind          string
		origins       []string
		maxSessions   int
		publicMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the release notes websocket endpoint",
		Long: `Serve accepts one release description per websocket session at /submit and
streams generated notes back as {"Ok": ...} frames, ending with at most one
{"Err": ...} frame.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("bind") {
				a.cfg.Server.Bind = bind
			}
			if flags.Changed("allow-origin") {
				a.cfg.Server.AllowedOrigins = append(a.cfg.Server.AllowedOrigins, origins...)
			}
			if flags.Changed("max-sessions") {
				a.cfg.Server.MaxSessions = maxSessions
			}
			if flags.Changed("public-metrics") {
				a.cfg.Server.PublicMetrics = publicMetrics
			}
			if err := a.cfg.Validate(); err != nil {
				return withExitCode(err, exitCodeUsage)
			}
			return a.serve(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&bind, "bind", "", "address to bind (default from server.bind)")
	flags.StringSliceVar(&origins, "allow-origin", nil, "additional allowed Origin (repeatable)")
	flags.IntVar(&maxSessions, "max-sessions", 0, "concurrent session cap, 0 for unlimited")
	flags.BoolVar(&publicMetrics, "public-metrics", false, "expose /metrics to non-loopback clients")
	return cmd
}

// serve runs the server until SIGINT/SIGTERM or a listener failure.
func (a *app) serve(ctx context.Context) error {
	c, err := a.build()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.server.Start(gctx)
	})
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		select {
		case sig := <-sigs:
			a.logger.Info("shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	a.logger.Info("release notes service configured",
		zap.String("repos_dir", c.cache.Root()),
		zap.String("model", a.cfg.Generation.Model),
		zap.Int("max_walk", a.cfg.Repos.MaxWalk),
		zap.Duration("job_timeout", a.cfg.Generation.JobTimeout),
		zap.Bool("credential_present", a.cfg.Generation.APIKey != ""),
	)
	return g.Wait()
}

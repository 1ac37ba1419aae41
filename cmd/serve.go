package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/quote-engine/internal/api"
	"github.com/sells-group/quote-engine/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingress API, queue workers and background sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		eng.sweeper.Load(ctx)

		srv := api.NewServer(api.Deps{
			Engine:  eng.orch,
			Agents:  eng.agents,
			Jobs:    eng.store,
			Queues:  eng.queue,
			Sources: eng.sources,
			Stats:   monitoring.NewCollector(eng.store, eng.queue),
			Live:    eng.hub,
		}, cfg.Server, cfg.Callback)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return eng.queue.Run(gctx) })
		g.Go(func() error {
			eng.sweeper.Run(gctx)
			return nil
		})
		g.Go(func() error {
			eng.monitor.Run(gctx)
			return nil
		})
		if cfg.Sources.Watch && cfg.Sources.Path != "" {
			if _, err := os.Stat(cfg.Sources.Path); err == nil {
				g.Go(func() error { return eng.sources.Watch(gctx, cfg.Sources.Path) })
			}
		}
		g.Go(func() error { return srv.Serve(gctx, cfg.Server.Port) })

		zap.L().Info("engine started",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
			zap.Bool("durable_queue", eng.durable),
		)
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/tiered-memory/internal/api"
	"github.com/rcliao/tiered-memory/internal/api/handlers"
	"github.com/rcliao/tiered-memory/internal/consolidate"
	"github.com/rcliao/tiered-memory/internal/ingest"
	"github.com/rcliao/tiered-memory/internal/recall"
)

const shutdownTimeout = 10 * time.Second

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long:  "Serve ingestion, recall and consolidation over HTTP. With --schedule, consolidation also runs on a timer.",
		Args:  cobra.NoArgs,
		Run:   runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default from config)")
	cmd.Flags().Bool("schedule", false, "Run consolidation on a timer")
	cmd.Flags().Duration("nightly-every", 24*time.Hour, "Nightly consolidation interval")
	cmd.Flags().Duration("weekly-every", 7*24*time.Hour, "Weekly consolidation interval")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	a := mustApp(true)
	defer a.Close()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		a.cfg.Server.Addr = addr
	}

	engine := consolidate.New(a.store, a.cfg.Consolidation,
		consolidate.WithObserver(a.obs),
		consolidate.WithMetrics(a.metrics),
	)
	log := a.obs.Log()
	h := &api.Handlers{
		Memory: handlers.NewMemoryHandler(
			ingest.NewService(a.store, a.embedder, a.obs, a.metrics),
			recall.NewService(a.store, a.cfg.Recall,
				recall.WithEmbedder(a.embedder),
				recall.WithObserver(a.obs),
				recall.WithMetrics(a.metrics),
			),
			a.store, log),
		Consolidation: handlers.NewConsolidationHandler(engine, log),
		Health:        handlers.NewHealthHandler(a.store, a.cfg.Store.Path),
	}
	if a.metrics.Enabled() {
		h.Metrics = a.metrics
		h.MetricsHandler = a.metrics.Handler()
	}
	srv := api.NewHTTPServer(a.cfg.Server, a.obs, h)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if schedule, _ := cmd.Flags().GetBool("schedule"); schedule {
		nightly, _ := cmd.Flags().GetDuration("nightly-every")
		weekly, _ := cmd.Flags().GetDuration("weekly-every")
		sched := consolidate.NewTickerScheduler(map[string]time.Duration{
			consolidate.NightlyLock: nightly,
			consolidate.WeeklyLock:  weekly,
		}, a.obs)
		if err := engine.Register(sched); err != nil {
			exitErr("schedule", err)
		}
		g.Go(func() error {
			sched.Run(ctx)
			return nil
		})
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		exitErr("serve", err)
	}
}

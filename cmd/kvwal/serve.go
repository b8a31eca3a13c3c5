package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/colorfulnotion/kvwal/log"
	"github.com/colorfulnotion/kvwal/telemetry"
	"github.com/spf13/cobra"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		metricsAddr string
		statsEvery  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the device, run the zone pollers and export metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			reg, err := telemetry.NewRegistry(telemetry.NewCollector(s.engine, s.target))
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.Handler(reg))
			srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error(log.TargetMonitoring, "metrics server failed", "addr", metricsAddr, "err", err)
				}
			}()
			log.Info(log.TargetMonitoring, "serving", "device", g.devicePath, "zones", s.engine.NumZones(), "metrics", metricsAddr)

			var tick <-chan time.Time
			if statsEvery > 0 {
				t := time.NewTicker(statsEvery)
				defer t.Stop()
				tick = t.C
			}
			for {
				select {
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					log.Info(log.TargetMonitoring, "shutting down")
					return srv.Shutdown(shutdownCtx)
				case <-tick:
					m := s.engine.Metrics().Snapshot()
					ts := s.target.Stats()
					log.Info(log.TargetMonitoring, "stats", "stores", m.Stores, "deletes", m.Deletes,
						"switches", m.Switches, "flushed", m.FlushedItems, "requests", ts.Requests, "queued", ts.QueuedRetries)
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9464", "Prometheus listen address")
	cmd.Flags().DurationVar(&statsEvery, "stats-interval", 30*time.Second, "Log a stats line this often (0 disables)")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/sift/internal/version"
	"github.com/cuemby/sift/pkg/log"
	"github.com/cuemby/sift/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop, draining enqueued tasks into batches",
	Long: `serve opens the database, starts the scheduler's single worker loop,
and blocks until interrupted. It is the only command that actually
processes tasks; every other command enqueues work or reads the result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		autoUpgrade, _ := cmd.Flags().GetBool("auto-upgrade")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		e, err := openEngine(cfg, autoUpgrade)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer e.Close()

		if e.guard.Mismatched() {
			if e.guard.BlocksBatching() {
				log.Error(fmt.Sprintf("database version mismatch; refusing to schedule until an upgradeDatabase task runs: persisted=%+v current=%+v", e.guard.Persisted, version.Current))
			} else {
				log.Info(fmt.Sprintf("database version mismatch, auto-upgrade enabled; migration steps: %v", e.guard.MigrationSteps()))
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan struct{})
		go func() {
			e.sched.Run(ctx)
			close(done)
		}()
		log.Info("scheduler started")

		if cfg.MetricsOn {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("metrics server", err)
				}
			}()
			defer srv.Close()
			log.Info(fmt.Sprintf("metrics endpoint: http://%s/metrics", metricsAddr))
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		e.exec.RequestStop()
		cancel()
		<-done
		log.Info("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("auto-upgrade", false, "Tolerate a version mismatch and run migrations instead of blocking batching")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus metrics endpoint")
}

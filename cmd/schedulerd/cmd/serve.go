package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/taskmesh/scheduler/src/config"
	"github.com/taskmesh/scheduler/src/logging"
	"github.com/taskmesh/scheduler/src/repository"
	"github.com/taskmesh/scheduler/src/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node of the scheduler cluster",
	Long: `serve starts one node: it contends for the cluster-wide master lock,
runs every registered task's state machine, and (if configured) exposes a
Prometheus /metrics endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("schedulerd: %w", err)
	}

	logger := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registerer := prometheus.NewRegistry()
	reg := scheduler.NewRegistry(ctx, repo, cfg.NodeName(),
		scheduler.WithMetricsRegisterer(registerer),
		scheduler.WithLockCadence(cfg.LockCadence()),
	)
	defer reg.Shutdown()

	if err := registerDemonstrationTasks(reg, cfg); err != nil {
		return fmt.Errorf("schedulerd: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Endpoint, promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: ":9120", Handler: mux}
		go func() {
			logger.Info("metrics server listening", "addr", metricsServer.Addr, "endpoint", cfg.Metrics.Endpoint)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	logger.Info("schedulerd started", "node", cfg.NodeName(), "driver", cfg.Database.Driver, "entry", logging.EntryID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("schedulerd shutting down")
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// registerDemonstrationTasks wires a handful of sample tasks so a freshly
// started node has something to schedule out of the box. Operators
// embedding this engine in their own process register their own tasks
// instead of calling this.
func registerDemonstrationTasks(reg *scheduler.Registry, cfg *config.Config) error {
	retention := repository.RetentionPolicy{
		MaxAge:     cfg.RetentionMaxAge(),
		MaxCount:   cfg.RetentionMaxCount(),
		DeleteLogs: cfg.Retention.DeleteLogs,
	}

	heartbeat := scheduler.TaskConfig{
		Name:                    "heartbeat",
		CronExpression:          "*/5 * * * *",
		MaxExpectedMinutesToRun: 1,
		Criticality:             scheduler.CriticalityMinor,
		Recovery:                scheduler.RecoverySelfHealing,
		RetentionPolicy:         retention,
	}
	if _, err := reg.Register(heartbeat, func(rc *scheduler.RunContext) {
		rc.Log("heartbeat from " + rc.GetHostname())
		rc.Done("ok")
	}); err != nil {
		return err
	}

	retentionSweep := scheduler.TaskConfig{
		Name:                    "retention-report",
		CronExpression:          "0 0 * * *",
		MaxExpectedMinutesToRun: 5,
		Criticality:             scheduler.CriticalityImportant,
		Recovery:                scheduler.RecoveryManualIntervention,
		RetentionPolicy:         retention,
	}
	if _, err := reg.Register(retentionSweep, func(rc *scheduler.RunContext) {
		rc.Log("retention policy applied automatically after every run")
		rc.Done("ok")
	}); err != nil {
		return err
	}

	return nil
}

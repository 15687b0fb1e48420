// Command hub runs the WebSub hub's worker engine: the claim/release
// queue processing described in spec §4-5. The HTTP dispatcher that
// translates subscribe/publish form posts into Manager calls is out of
// scope (spec §1); this binary owns configuration loading, storage
// selection, the worker pool, the housekeeping sweep, and the
// metrics/health surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hubsub/pkg/cache"
	"github.com/cuemby/hubsub/pkg/claimant"
	"github.com/cuemby/hubsub/pkg/config"
	"github.com/cuemby/hubsub/pkg/delivery"
	"github.com/cuemby/hubsub/pkg/fetch"
	"github.com/cuemby/hubsub/pkg/housekeeping"
	"github.com/cuemby/hubsub/pkg/httpclient"
	"github.com/cuemby/hubsub/pkg/log"
	"github.com/cuemby/hubsub/pkg/metrics"
	"github.com/cuemby/hubsub/pkg/storage"
	"github.com/cuemby/hubsub/pkg/verification"
	"github.com/cuemby/hubsub/pkg/worker"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "hub",
	Short:   "hub runs the WebSub hub's queue engine",
	Version: Version,
}

var configPath string
var metricsAddr string

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "hub.yaml", "Path to the hub's YAML configuration document")

	cobra.OnInitialize(initLogging)

	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address for the /metrics and /healthcheck endpoints")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply any pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		version, err := store.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("schema at version %s\n", version)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker pool and housekeeping sweep until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate on startup: %w", err)
		}

		nodeID := claimant.Resolve(cfg.NodeID, cfg.DataDir)
		log.Logger.Info().Str("node_id", nodeID).Msg("resolved claimant identity")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		client := httpclient.New(10 * time.Second)
		fetchEngine := fetch.New(store, client, fetch.Config{
			SelfBaseURL:         cfg.SelfBaseURL,
			StrictTopicHubLink:  cfg.StrictTopicHubLink,
			RetryBackoffSeconds: cfg.Communication.RetryBackoffSeconds,
		})
		verificationEngine := verification.New(store, client, cfg.Communication.RetryBackoffSeconds)

		// The content cache and its change-notification listener are
		// strictly optional (spec §4.1.3, §9): only the Postgres backend
		// implements cache.Notifier, so SQLite deployments run with
		// contentCache left nil and the delivery path re-reads from the
		// store every time.
		var contentCache *cache.ContentCache
		if notifier, ok := store.(cache.Notifier); ok {
			contentCache = cache.New(cfg.ContentCacheSize)
			listener := cache.NewListener(notifier, contentCache)
			go func() {
				if err := listener.Run(ctx); err != nil {
					log.Logger.Warn().Err(err).Msg("cache listener stopped")
				}
			}()
		}

		deliveryEngine := delivery.New(store, client, contentCache, delivery.Config{
			SelfBaseURL:         cfg.SelfBaseURL,
			RetryBackoffSeconds: cfg.Communication.RetryBackoffSeconds,
		})

		w := worker.New(store, verificationEngine, fetchEngine, deliveryEngine, worker.Config{
			Concurrency:    cfg.Worker.Concurrency,
			RecurrSleepMs:  cfg.Worker.RecurrSleepMs,
			PollingEnabled: cfg.Worker.PollingEnabled,
			ClaimTimeout:   time.Duration(cfg.Communication.ClaimTimeoutSeconds) * time.Second,
			Claimant:       nodeID,
		})

		w.Start(ctx)
		defer w.Stop()

		sweeper := housekeeping.New(store, housekeeping.Config{
			Schedule:         cfg.HousekeepingSchedule,
			HistoryRetention: time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour,
		})
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start housekeeping: %w", err)
		}
		defer sweeper.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
			if _, err := store.SchemaVersion(r.Context()); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server error")
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Logger.Info().Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	},
}

func openStore(cfg config.Config) (storage.Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return storage.OpenPostgres(cfg.DatabaseDSN)
	default:
		return storage.OpenSQLite(cfg.DatabaseDSN)
	}
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/hlsvault/internal/config"
	"github.com/jmylchreest/hlsvault/internal/database"
	"github.com/jmylchreest/hlsvault/internal/fetch"
	"github.com/jmylchreest/hlsvault/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/hlsvault/internal/http"
	"github.com/jmylchreest/hlsvault/internal/http/handlers"
	"github.com/jmylchreest/hlsvault/internal/observability"
	"github.com/jmylchreest/hlsvault/internal/queue"
	"github.com/jmylchreest/hlsvault/internal/remux"
	"github.com/jmylchreest/hlsvault/internal/repository"
	"github.com/jmylchreest/hlsvault/internal/retention"
	"github.com/jmylchreest/hlsvault/internal/startup"
	"github.com/jmylchreest/hlsvault/internal/store"
	"github.com/jmylchreest/hlsvault/internal/urlutil"
	"github.com/jmylchreest/hlsvault/internal/version"
	"github.com/jmylchreest/hlsvault/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hlsvault server",
	Long: `Start the hlsvault HTTP server and download engine.

The server provides:
- REST API for starting, pausing, cancelling, and reordering downloads
- HTTP Range streaming of completed downloads
- A retention sweeper that deletes expired completed downloads
- Health check endpoint
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to (overrides config)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().String("downloads-dir", "", "Downloads directory (overrides config)")
	serveCmd.Flags().String("ffmpeg-binary", "", "Path to ffmpeg binary (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlagOverrides(cmd, cfg)

	// Rebuild the logger from the fully loaded config so AddSource and
	// TimeFormat (not available from the early CLI-only flags) take
	// effect, and sensitive URL query params keep getting redacted.
	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	if cfg.FFmpeg.BinaryPath != "" {
		if err := os.Setenv(ffmpeg.EnvFFmpegBinary, cfg.FFmpeg.BinaryPath); err != nil {
			return fmt.Errorf("setting ffmpeg binary path: %w", err)
		}
	}

	orphansRemoved, err := startup.CleanupSystemTempDirs(logger)
	if err != nil {
		logger.Warn("failed to clean orphaned temp directories", slog.String("error", err.Error()))
	} else if orphansRemoved > 0 {
		logger.Info("cleaned orphaned temp directories on startup", slog.Int("removed_count", orphansRemoved))
	}

	st, err := store.New(cfg.Download.DownloadsDir, logger)
	if err != nil {
		return fmt.Errorf("initializing download store: %w", err)
	}
	if reconciled, err := st.Reconcile(); err != nil {
		logger.Warn("failed to reconcile download sessions on startup", slog.String("error", err.Error()))
	} else if reconciled > 0 {
		logger.Info("reconciled stale download sessions on startup", slog.Int("count", reconciled))
	}

	var db *database.DB
	if cfg.Database.Driver != "" {
		db, err = database.New(cfg.Database, logger, nil)
		if err != nil {
			return fmt.Errorf("connecting to read-model index database: %w", err)
		}
		defer db.Close()

		indexRepo := repository.NewSessionIndexRepository(db.DB)
		if err := indexRepo.Migrate(); err != nil {
			return fmt.Errorf("migrating read-model index: %w", err)
		}
		if err := indexRepo.Rebuild(context.Background(), st.List()); err != nil {
			return fmt.Errorf("rebuilding read-model index: %w", err)
		}
		st.SetIndex(indexRepo)
		logger.Info("read-model index ready", slog.String("driver", cfg.Database.Driver))
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.UserAgent = version.UserAgent()
	httpCfg.Logger = logger
	httpCfg.RetryAttempts = cfg.Download.MaxRetries
	httpCfg.Timeout = cfg.Download.SegmentTimeout.Duration()
	// The segment fetcher runs its own retry schedule, so its client makes
	// one attempt per call.
	segmentCfg := httpCfg
	segmentCfg.RetryAttempts = 0
	segmentClient := httpclient.New(segmentCfg)
	httpclient.DefaultRegistry.Register("hls-segment-fetcher", segmentClient)

	playlistFetcher := urlutil.NewResourceFetcher(httpCfg)
	segmentFetcher := fetch.NewSegmentFetcher(segmentClient, logger)
	remuxer := remux.New(ffmpeg.NewBinaryDetector(), logger)

	schedulerCfg := queue.Config{
		MaxConcurrentDownloads: cfg.Download.MaxConcurrentDownloads,
		MaxConcurrentSegments:  cfg.Download.MaxConcurrentSegments,
		MinFreeDiskBytes:       int64(cfg.Download.MinFreeDisk),
		DefaultRetentionDays:   cfg.Download.DefaultRetentionDays,
	}
	scheduler, err := queue.New(schedulerCfg, st, playlistFetcher, segmentFetcher, remuxer, logger)
	if err != nil {
		return fmt.Errorf("initializing download scheduler: %w", err)
	}
	if err := scheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("starting download scheduler: %w", err)
	}
	defer scheduler.Stop()

	sweeper, err := retention.New(cfg.Retention.SweepCron, cfg.Download.DefaultRetentionDays, st, scheduler, logger)
	if err != nil {
		return fmt.Errorf("initializing retention sweeper: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	serverConfig := internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	docsHandler := handlers.NewDocsHandler("hlsvault API", "/openapi.yaml", handlers.WithSystemTheme())
	server.Router().Get("/docs", docsHandler.ServeHTTP)

	healthHandler := handlers.NewHealthHandler(version.Version).WithScheduler(scheduler)
	if db != nil {
		healthHandler = healthHandler.WithDB(db.DB)
	}
	healthHandler.Register(server.API())

	downloadHandler := handlers.NewDownloadHandler(scheduler, logger)
	downloadHandler.Register(server.API())

	streamHandler := handlers.NewStreamHandler(scheduler, st, logger)
	streamHandler.Register(server.Router())

	circuitBreakerHandler := handlers.NewCircuitBreakerHandler(httpclient.DefaultManager)
	circuitBreakerHandler.Register(server.API())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting hlsvault server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("downloads_dir", cfg.Download.DownloadsDir),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}

// applyServeFlagOverrides applies any explicitly-set serve flags on top
// of the loaded configuration. Flags left at their zero value are
// treated as unset so that config file / environment values win.
func applyServeFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("downloads-dir") {
		cfg.Download.DownloadsDir, _ = flags.GetString("downloads-dir")
	}
	if flags.Changed("ffmpeg-binary") {
		cfg.FFmpeg.BinaryPath, _ = flags.GetString("ffmpeg-binary")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Chichichkin/SeqShipper/internal/config"
	"github.com/Chichichkin/SeqShipper/internal/daemon"
	"github.com/Chichichkin/SeqShipper/internal/logging/batch"
	"github.com/Chichichkin/SeqShipper/internal/logging/seq"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "seqshipper",
		Short:         "Ship application log files to Seq",
		Long:          "seqshipper tails *.log files and delivers their lines to a Seq server in CLEF batches.",
		SilenceUsage:  true,
		SilenceErrors: true,
		// .env is read before getConfig so its values act as env defaults
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loadEnvFile(envFile)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig := getConfig()
			applyFlags(cmd, &appConfig)

			logger := newLogger(appConfig.LogLevel, appConfig.LogFormat)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, appConfig, logger); err != nil {
				logger.Error("seqshipper failed", "error", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&envFile, "env-file", "", "dotenv file to load before reading SEQ_* variables")
	flags.String("connection", "", "Seq connection string (env SEQ_CONNECTION)")
	flags.String("app", "", "application name stamped on every event (env SEQ_APP)")
	flags.String("process", "", "process identifier stamped on every event (env SEQ_PROCESS)")
	flags.String("log-root", "", "directory scanned for *.log files; empty disables tailing (env SEQ_LOG_ROOT)")
	flags.Duration("scan-interval", 0, "how often the log root is rescanned (env SEQ_SCAN_INTERVAL)")
	flags.Int("workers", 0, "number of files tailed concurrently (env SEQ_WORKERS)")
	flags.Int("queue-size", 0, "capacity of the discovered file queue (env SEQ_QUEUE_SIZE)")
	flags.Duration("file-idle-timeout", 0, "stop tailing a file after this long without new lines; 0 never stops (env SEQ_FILE_IDLE_TIMEOUT)")
	flags.Bool("from-start", false, "read discovered files from the beginning (env SEQ_FROM_START)")
	flags.String("metrics-addr", "", "listen address for /metrics; empty disables it (env SEQ_METRICS_ADDR)")
	flags.String("log-level", "", "debug, info, warn or error (env SEQ_LOG_LEVEL)")
	flags.String("log-format", "", "text or json (env SEQ_LOG_FORMAT)")

	return cmd
}

func run(ctx context.Context, appConfig AppConfig, logger *slog.Logger) error {
	conn, err := config.Parse(appConfig.Connection, appConfig.App)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	seqSender, err := seq.NewSeqSender(conn)
	if err != nil {
		return err
	}

	// not tied to ctx: only Stop ends the flush loop, after the tailers are gone
	batchProcessor := batch.NewBatchProcessor(context.Background(), seqSender, conn.Batching(),
		batch.WithLogger(logger.With("component", "flush")),
		batch.WithRegisterer(registry))
	batchProcessor.Start()
	defer batchProcessor.Stop()

	logger.Info("shipping logs to seq",
		"target", seqSender.Target(),
		"app", conn.App,
		"process", appConfig.Process,
		"api_key", conn.HasAPIKey(),
		"compression", conn.Compression.String())

	if appConfig.LogRootPath != "" {
		serviceConfig := daemon.Config{
			LogRootPath:     appConfig.LogRootPath,
			ScanInterval:    appConfig.ScanInterval,
			Workers:         appConfig.Workers,
			FileQueueSize:   appConfig.QueueSize,
			Process:         appConfig.Process,
			FileIdleTimeout: appConfig.FileIdleTimeout,
			FromStart:       appConfig.FromStart,
		}

		logDaemonService := daemon.NewLogDaemonService(ctx, serviceConfig, batchProcessor,
			daemon.WithLogger(logger.With("component", "tail")),
			daemon.WithRegisterer(registry))
		logDaemonService.Start()
		defer logDaemonService.Stop()
	}

	if appConfig.MetricsAddr != "" {
		server := &http.Server{
			Addr:              appConfig.MetricsAddr,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", appConfig.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ------------------------------------  code for reading config -----------------------------------------------------

type AppConfig struct {
	Connection      string
	App             string
	Process         string
	LogRootPath     string
	ScanInterval    time.Duration
	Workers         int
	QueueSize       int
	FileIdleTimeout time.Duration
	FromStart       bool
	MetricsAddr     string
	LogLevel        string
	LogFormat       string
}

func getConfig() AppConfig {
	return AppConfig{
		Connection:      getEnv("SEQ_CONNECTION", "http://localhost:5341"),
		App:             getEnv("SEQ_APP", defaultApp()),
		Process:         getEnv("SEQ_PROCESS", defaultProcess()),
		LogRootPath:     getEnv("SEQ_LOG_ROOT", ""),
		ScanInterval:    getEnvAsDuration("SEQ_SCAN_INTERVAL", 30*time.Second),
		Workers:         getEnvAsInt("SEQ_WORKERS", 4),
		QueueSize:       getEnvAsInt("SEQ_QUEUE_SIZE", 50),
		FileIdleTimeout: getEnvAsDuration("SEQ_FILE_IDLE_TIMEOUT", 5*time.Minute),
		FromStart:       getEnvAsBool("SEQ_FROM_START", false),
		MetricsAddr:     getEnv("SEQ_METRICS_ADDR", ""),
		LogLevel:        getEnv("SEQ_LOG_LEVEL", "info"),
		LogFormat:       getEnv("SEQ_LOG_FORMAT", "text"),
	}
}

// applyFlags overrides env values with flags that were set explicitly.
func applyFlags(cmd *cobra.Command, c *AppConfig) {
	flags := cmd.Flags()
	if flags.Changed("connection") {
		c.Connection, _ = flags.GetString("connection")
	}
	if flags.Changed("app") {
		c.App, _ = flags.GetString("app")
	}
	if flags.Changed("process") {
		c.Process, _ = flags.GetString("process")
	}
	if flags.Changed("log-root") {
		c.LogRootPath, _ = flags.GetString("log-root")
	}
	if flags.Changed("scan-interval") {
		c.ScanInterval, _ = flags.GetDuration("scan-interval")
	}
	if flags.Changed("workers") {
		c.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("queue-size") {
		c.QueueSize, _ = flags.GetInt("queue-size")
	}
	if flags.Changed("file-idle-timeout") {
		c.FileIdleTimeout, _ = flags.GetDuration("file-idle-timeout")
	}
	if flags.Changed("from-start") {
		c.FromStart, _ = flags.GetBool("from-start")
	}
	if flags.Changed("metrics-addr") {
		c.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		c.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		c.LogFormat, _ = flags.GetString("log-format")
	}
}

// loadEnvFile overlays a dotenv file without overriding variables that are
// already set. A missing default .env is not an error.
func loadEnvFile(path string) {
	if path == "" {
		_ = godotenv.Load()
		return
	}
	if err := godotenv.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file %s: %v\n", path, err)
	}
}

func defaultApp() string {
	if exe, err := os.Executable(); err == nil {
		if name := filepath.Base(exe); name != "." && name != string(filepath.Separator) {
			return name
		}
	}
	return "seqshipper"
}

// defaultProcess is the host name, suffixed with a short random id so
// restarted sidecars on one host stay distinguishable.
func defaultProcess() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()[:8]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/user/llm-gateway/internal/api"
	"github.com/user/llm-gateway/internal/breaker"
	"github.com/user/llm-gateway/internal/cache"
	"github.com/user/llm-gateway/internal/config"
	"github.com/user/llm-gateway/internal/metrics"
	"github.com/user/llm-gateway/internal/registry"
	"github.com/user/llm-gateway/internal/router"
	"github.com/user/llm-gateway/internal/store"
	"github.com/user/llm-gateway/internal/upstream"
	"github.com/user/llm-gateway/internal/version"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	showVersion := flag.Bool("version", false, "show version information")
	configPath := flag.String("config", "", "path to config file (default: gateway.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Server.LogLevel, getLogDir(), cfg.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting llm-gateway",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.Int("upstreams", len(cfg.Upstreams)),
	)

	kv, err := newStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer kv.Close()

	m := metrics.New()
	client := upstream.NewClient(m, logger)
	defer client.Close()

	reg := registry.New(cfg.UpstreamConfigs(), logger)

	brk := breaker.New(kv, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryWindow:   cfg.Breaker.RecoveryWindow,
	}, m, logger)

	var respCache *cache.Cache
	if cfg.Cache.Enabled {
		// The shared tier only helps multi-instance deployments; the
		// memory backend would just duplicate the local LRU.
		var shared store.KV
		if cfg.Store.Backend != "memory" {
			shared = kv
		}
		respCache = cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL, shared, m, logger)
	}

	rt, err := router.New(reg, brk, respCache, client, cfg.Retry, m, logger)
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := registry.NewHealthChecker(reg, client, m, cfg.HealthCheck, logger)
	healthChecker.Start(ctx)
	defer healthChecker.Stop()

	server := api.NewServer(api.ServerDeps{
		Config:   cfg,
		Router:   rt,
		Registry: reg,
		Health:   healthChecker,
		Breaker:  brk,
		Lister:   client,
		Metrics:  m.Handler(),
		Logger:   logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout, // streaming responses need a long write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newStore(cfg config.StoreConfig) (store.KV, error) {
	switch cfg.Backend {
	case "redis":
		return store.NewRedis(store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS:      cfg.Redis.TLS,
		})
	case "sqlite":
		return store.NewSQLite(cfg.SQLite.Path)
	default:
		return store.NewMemory(), nil
	}
}

func getLogDir() string {
	if dir := os.Getenv("LLM_GATEWAY_LOG_DIR"); dir != "" {
		return dir
	}
	return "logs"
}

func newLogger(level string, logDir string, rotation config.LogRotationConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug", "DEBUG":
		zapLevel = zap.DebugLevel
	case "warn", "WARN":
		zapLevel = zap.WarnLevel
	case "error", "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "llm-gateway.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	// File core: JSON encoder for structured log parsing
	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	// Console core: human-readable output to stdout/stderr
	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	// stdout for DEBUG/INFO, stderr for WARN/ERROR+
	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	return zap.New(zapcore.NewTee(fileCore, stdoutCore, stderrCore)), nil
}

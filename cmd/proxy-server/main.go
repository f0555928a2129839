package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kanishka8375/RedTeamingAI/internal/alerts"
	"github.com/Kanishka8375/RedTeamingAI/internal/api"
	"github.com/Kanishka8375/RedTeamingAI/internal/auth"
	"github.com/Kanishka8375/RedTeamingAI/internal/engine"
	"github.com/Kanishka8375/RedTeamingAI/internal/engine/anomaly"
	"github.com/Kanishka8375/RedTeamingAI/internal/engine/injection"
	"github.com/Kanishka8375/RedTeamingAI/internal/engine/policy"
	"github.com/Kanishka8375/RedTeamingAI/internal/pricing"
	"github.com/Kanishka8375/RedTeamingAI/internal/proxy"
	"github.com/Kanishka8375/RedTeamingAI/internal/storage"
	"github.com/Kanishka8375/RedTeamingAI/internal/store"
	"github.com/Kanishka8375/RedTeamingAI/internal/window"
	"github.com/Kanishka8375/RedTeamingAI/internal/ws"
)

func main() {
	_ = godotenv.Load() // .env is optional; real env wins

	// Logger
	logger := mustBuildLogger(envOrDefault("LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	proxyPort := envOrDefault("PORT", "8080")
	apiPort := envOrDefault("API_PORT", "8081")
	databaseDSN := os.Getenv("DATABASE_PATH")
	if databaseDSN == "" {
		databaseDSN = os.Getenv("DATABASE_URL")
	}
	openAIKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	upgradeURL := envOrDefault("UPGRADE_URL", "https://redteamingai.dev/upgrade")
	adminToken := os.Getenv("ADMIN_TOKEN")
	pricingPath := os.Getenv("PRICING_PATH")
	cacheTTL := envOrDefaultInt("AUTH_CACHE_TTL_S", 30)
	var wsOrigins []string
	if v := os.Getenv("WS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				wsOrigins = append(wsOrigins, o)
			}
		}
	}

	if databaseDSN == "" {
		logger.Fatal("DATABASE_PATH (or DATABASE_URL) is required")
	}

	startTime := time.Now()
	logger.Info("starting proxy server",
		zap.String("proxy_port", proxyPort),
		zap.String("api_port", apiPort),
		zap.Bool("openai_configured", openAIKey != ""),
		zap.Bool("anthropic_configured", anthropicKey != ""),
	)

	// Postgres pool
	db, err := sql.Open("pgx", databaseDSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	pgStore := store.NewStore(db)
	if err := pgStore.Bootstrap(context.Background()); err != nil {
		logger.Fatal("failed to bootstrap schema", zap.Error(err))
	}
	logger.Info("postgres connected")

	// Pricing table
	prices := pricing.NewTable()
	if pricingPath != "" {
		if err := prices.LoadFile(pricingPath); err != nil {
			logger.Warn("pricing override load failed, using built-in rates", zap.Error(err))
		} else {
			logger.Info("pricing overrides loaded", zap.String("path", pricingPath))
		}
	}

	// Background tasks get their own lifecycle, cancelled on shutdown.
	runCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Sliding windows + eviction loop
	windows := window.NewStore(logger)
	go windows.Run(runCtx)

	// Auth
	authenticator := auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
		DB:       db,
		CacheTTL: time.Duration(cacheTTL) * time.Second,
		Logger:   logger,
	})

	// Analysis pipeline
	rules := policy.NewEngine(pgStore, 30*time.Second, logger)
	pipeline := engine.NewPipeline(
		anomaly.NewEngine(windows, logger),
		injection.NewScanner(),
		rules,
		logger,
	)

	// Live subscribers
	broadcaster := ws.NewBroadcaster(logger)
	wsHandler := ws.NewHandler(authenticator, broadcaster, wsOrigins, logger)

	// Alert queue
	alertQueue := alerts.NewQueue(alerts.NewLogNotifier(logger), 0, logger)

	// Analytics export — ClickHouse or LogWriter fallback
	var exporter storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			exporter = storage.NewLogWriter(logger)
		} else {
			exporter = chWriter
			logger.Info("clickhouse exporter connected")
		}
	} else {
		exporter = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log exporter")
	}

	// Proxy data path
	forwarder := proxy.NewForwarder(proxy.ForwarderConfig{
		OpenAIKey:    openAIKey,
		AnthropicKey: anthropicKey,
	}, logger)
	interceptor := proxy.NewInterceptor(proxy.InterceptorConfig{
		Auth:       authenticator,
		Store:      pgStore,
		Forwarder:  forwarder,
		Pipeline:   pipeline,
		Pricing:    prices,
		Publisher:  broadcaster,
		Alerts:     alertQueue,
		Exporter:   exporter,
		UpgradeURL: upgradeURL,
		Logger:     logger,
	})

	// Proxy listener: data path, live subscribers, health.
	proxyMux := http.NewServeMux()
	proxyMux.Handle("POST /v1/chat/completions", interceptor)
	proxyMux.Handle("POST /v1/messages", interceptor)
	proxyMux.Handle("GET /ws", wsHandler)
	proxyMux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.HealthResp{
			Status: "ok",
			Uptime: int64(time.Since(startTime).Seconds()),
		})
	})

	// No read/write timeouts here: streamed completions and websocket
	// sessions outlive any fixed cap. Header read is still bounded.
	proxyServer := &http.Server{
		Addr:              ":" + proxyPort,
		Handler:           proxyMux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Read-side API listener
	apiServer := &http.Server{
		Addr: ":" + apiPort,
		Handler: api.NewRouter(&api.Dependencies{
			Store:      pgStore,
			Auth:       authenticator,
			Rules:      rules,
			Logger:     logger,
			AdminToken: adminToken,
			StartTime:  startTime,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("proxy listening", zap.String("addr", proxyServer.Addr))
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("proxy server failed", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("api listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown: stop listeners, then drain the async tails.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("proxy server shutdown error", zap.Error(err))
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", zap.Error(err))
	}
	broadcaster.Close()
	alertQueue.Close()
	exporter.Close()
	stopBackground()

	logger.Info("proxy server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

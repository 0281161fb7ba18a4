package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/chi-demo/middleware"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/config"
)

// Config holds the settings only the binary cares about. Delivery settings
// are read by config.WithEnv.
type Config struct {
	EnvPrefix    string `env:"IIIF_ENV_PREFIX" env-default:""`
	LogLevel     string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat    string `env:"LOG_FORMAT" env-default:"json"`
	ApiKeySHA256 string `env:"METRICS_API_KEY_SHA256" env-default:""`
	PingDatabase bool   `env:"PING_DATABASE" env-default:"true"`
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func main() {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed to read configuration", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	serverConfig, err := config.Load(config.WithEnv(cfg.EnvPrefix))
	if err != nil {
		slog.Error("Failed to load server configuration", "err", err)
		os.Exit(1)
	}

	if serverConfig.DatabaseType == "postgres" && cfg.PingDatabase {
		if err := config.PingPostgres(serverConfig.DatabaseURL, serverConfig.DBSchema); err != nil {
			slog.Error("Failed to connect to database", "err", err)
			os.Exit(1)
		}
	}

	rt, err := serverConfig.Build(logger)
	if err != nil {
		slog.Error("Failed to build service", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	delivery, err := rt.Handler()
	if err != nil {
		slog.Error("Failed to build delivery routes", "err", err)
		os.Exit(1)
	}

	server := app.DefaultApp()
	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	server.R.Group(func(r chi.Router) {
		if cfg.ApiKeySHA256 != "" {
			apiKeyMiddleware, err := middleware.ApiKeyMiddleware(middleware.ApiKeyConfig{
				APIKeys: map[string]string{"metrics": cfg.ApiKeySHA256},
			})
			if err != nil {
				slog.Error("Failed initialize API Key middleware", "err", err)
				os.Exit(1)
			}
			r.Use(apiKeyMiddleware)
		}
		r.Handle("/metrics", rt.Metrics.Handler())
	})
	server.R.Mount("/", delivery)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", serverConfig.Port),
		Handler:           server.R,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("IIIF orchestrator starting",
			"port", serverConfig.Port,
			"database", serverConfig.DatabaseType,
			"image_server", serverConfig.ImageServer,
			"image_server_url", serverConfig.ImageServerURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "err", err)
	}
	slog.Info("Server exiting")
}

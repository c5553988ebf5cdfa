package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shadow-nexus/server/internal/v1/certs"
	"github.com/shadow-nexus/server/internal/v1/chat"
	"github.com/shadow-nexus/server/internal/v1/config"
	"github.com/shadow-nexus/server/internal/v1/health"
	"github.com/shadow-nexus/server/internal/v1/logging"
	"github.com/shadow-nexus/server/internal/v1/middleware"
	"github.com/shadow-nexus/server/internal/v1/ratelimit"
	"github.com/shadow-nexus/server/internal/v1/registry"
	"github.com/shadow-nexus/server/internal/v1/relay"
	"github.com/shadow-nexus/server/internal/v1/signaling"
	"github.com/shadow-nexus/server/internal/v1/store"
)

func main() {
	// Load .env for local development. Try multiple paths to handle
	// different ways of running the binary.
	envPaths := []string{".env", "../../.env", "../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found, relying on environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogFile); err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}

	// --- Durable store ---
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("Failed to open data directory", "error", err)
		os.Exit(1)
	}
	if err := st.LoadAll(); err != nil {
		slog.Error("Failed to load persisted state", "error", err)
		os.Exit(1)
	}

	// --- Chat router and file relay ---
	reg := registry.New()
	router := chat.NewRouter(st, reg)
	if err := router.Start(cfg.ChatAddr()); err != nil {
		slog.Error("Failed to start chat router", "error", err)
		os.Exit(1)
	}

	fileServer := relay.NewServer(st)
	if err := fileServer.Start(cfg.FileAddr()); err != nil {
		slog.Error("Failed to start file relay", "error", err)
		router.Stop()
		os.Exit(1)
	}

	// --- Signaling hub over HTTPS ---
	tlsReady := true
	if err := certs.Ensure(cfg.CertFile, cfg.KeyFile, cfg.ServerIP); err != nil {
		slog.Warn("Certificate provisioning failed, serving signaling over plain HTTP", "error", err)
		tlsReady = false
	}

	rl, err := ratelimit.NewRateLimiter(cfg)
	if err != nil {
		slog.Error("Invalid rate limit configuration", "error", err)
		os.Exit(1)
	}

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	engine.Use(cors.New(corsConfig))

	hub := signaling.NewHub(cfg, rl, nil)
	hub.RegisterRoutes(engine)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	healthHandler := health.NewHandler(st, cfg.DataDir)
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    cfg.VideoAddr(),
		Handler: engine,
	}
	go func() {
		var err error
		if tlsReady {
			slog.Info("Signaling hub starting", "addr", srv.Addr, "tls", true)
			err = srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			slog.Info("Signaling hub starting", "addr", srv.Addr, "tls", false)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run signaling server", "error", err)
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	slog.Info("Shadow Nexus server up",
		"chat", cfg.ChatAddr(), "files", cfg.FileAddr(), "signaling", cfg.VideoAddr())

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	router.Stop()
	fileServer.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Signaling server forced to shutdown", "error", err)
	}
	st.Close()

	slog.Info("Server exiting")
}

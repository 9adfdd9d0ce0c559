package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/config"
	"github.com/cinesync/cinesync/internal/v1/health"
	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/middleware"
	"github.com/cinesync/cinesync/internal/v1/session"
	"github.com/cinesync/cinesync/internal/v1/stats"
	"github.com/cinesync/cinesync/internal/v1/transport"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := session.NewServer(session.Config{
		IsolateRooms:         cfg.IsolateRooms,
		Password:             cfg.Password,
		MotdFilePath:         cfg.MotdFilePath,
		Salt:                 cfg.Salt,
		DisableReady:         cfg.DisableReady,
		DisableChat:          cfg.DisableChat,
		MaxChatMessageLength: cfg.MaxChatMessageLength,
		MaxUsernameLength:    cfg.MaxUsernameLength,
		Port:                 cfg.Port,
	})

	var certs *transport.CertStore
	if cfg.TLSCertPath != "" {
		certs = transport.NewCertStore(cfg.TLSCertPath)
	}

	var recorder *stats.Recorder
	if cfg.StatsDBFile != "" {
		recorder, err = stats.Open(cfg.StatsDBFile, server)
		if err != nil {
			logging.Error(ctx, "Failed to initialize stats database. Server stats not enabled.",
				zap.String("path", cfg.StatsDBFile), zap.Error(err))
		} else {
			recorder.Start(ctx, stats.StartDelay(cfg.Port))
			defer recorder.Close()
		}
	}

	// Ops plane: metrics and health probes on a separate HTTP listener.
	var opsSrv *http.Server
	if cfg.OpsAddr != "" {
		if !cfg.DevelopmentMode {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowAllOrigins = true
		router.Use(gin.Recovery(), middleware.CorrelationID(), cors.New(corsCfg))
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		var pinger health.StatsPinger
		if recorder != nil {
			pinger = recorder
		}
		healthHandler := health.NewHandler(pinger)
		router.GET("/health/live", healthHandler.Liveness)
		router.GET("/health/ready", healthHandler.Readiness)

		opsSrv = &http.Server{Addr: cfg.OpsAddr, Handler: router}
		go func() {
			logging.Info(ctx, "Ops server starting", zap.String("addr", cfg.OpsAddr))
			if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error(ctx, "Ops server failed", zap.Error(err))
			}
		}()
	}

	listener, err := transport.Listen(server, certs, cfg.Port)
	if err != nil {
		logging.Error(ctx, "Unable to listen using either IPv4 and IPv6 protocols. Quitting the server now.",
			zap.Error(err))
		os.Exit(1)
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logging.Info(context.Background(), "Shutting down server...")
		cancel()
		if opsSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = opsSrv.Shutdown(shutdownCtx)
		}
	}()

	listener.Serve(ctx)
	logging.Info(context.Background(), "Server exiting")
}

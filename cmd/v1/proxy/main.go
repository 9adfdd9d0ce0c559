package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/proxy"
	"github.com/cinesync/cinesync/internal/v1/transport"
)

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	development := os.Getenv("DEVELOPMENT_MODE") == "true"
	if err := logging.Initialize(development); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream := os.Getenv("SYNCPLAY_HOST")
	if upstream == "" {
		upstream = "localhost:8999"
	}
	tcpPort := parsePort("SYNCPLAY_TCP_PORT")
	wsPort := parsePort("SYNCPLAY_WS_PORT")
	if tcpPort == 0 && wsPort == 0 {
		logging.Fatal(ctx, "Set SYNCPLAY_TCP_PORT and/or SYNCPLAY_WS_PORT to choose a front-end")
	}

	var certs *transport.CertStore
	if path := os.Getenv("SYNCPLAY_TLS_PATH"); path != "" {
		certs = transport.NewCertStore(path)
	}
	p := proxy.New(upstream, certs)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logging.Info(context.Background(), "Shutting down proxy...")
		cancel()
	}()

	var wg sync.WaitGroup
	if tcpPort != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.ServeTCP(ctx, tcpPort); err != nil {
				logging.Error(ctx, "TCP front-end failed", zap.Error(err))
			}
		}()
	}
	if wsPort != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.ServeWS(ctx, wsPort); err != nil {
				logging.Error(ctx, "WebSocket front-end failed", zap.Error(err))
			}
		}()
	}
	wg.Wait()
	logging.Info(context.Background(), "Proxy exiting")
}

func parsePort(env string) int {
	v := os.Getenv(env)
	if v == "" {
		return 0
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		logging.Fatal(context.Background(), "Invalid port",
			zap.String("variable", env), zap.String("value", v))
	}
	return port
}

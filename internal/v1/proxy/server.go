package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/middleware"
)

// ServeTCP accepts raw protocol connections on port until ctx is cancelled.
func (p *Proxy) ServeTCP(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("tcp front-end listen: %w", err)
	}
	logging.Info(ctx, "Proxy TCP front-end listening",
		zap.Int("port", port), zap.String("upstream", p.upstreamAddr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go p.handle(newTCPFrameConn(conn))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  maxFrameBytes,
	WriteBufferSize: maxFrameBytes,
	// The sync protocol carries its own authentication; browser origin
	// checks do not apply to the desktop clients this fronts.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS accepts WebSocket connections on port until ctx is cancelled. When
// a certificate is available the listener itself speaks TLS (wss), matching
// how browsers expect to connect.
func (p *Proxy) ServeWS(ctx context.Context, port int) error {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.CorrelationID())
	router.GET("/", func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
			return
		}
		p.handle(newWSFrameConn(ws))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	if cfg := p.localTLSConfig(); cfg != nil {
		srv.TLSConfig = cfg
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logging.Info(ctx, "Proxy WebSocket front-end listening",
		zap.Int("port", port), zap.Bool("tls", srv.TLSConfig != nil), zap.String("upstream", p.upstreamAddr))

	var err error
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

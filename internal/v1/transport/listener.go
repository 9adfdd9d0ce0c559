package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/session"
)

// Listener accepts protocol connections on IPv4 and IPv6. The two sockets
// are bound separately so the server still comes up on hosts where one
// address family is unavailable; startup fails only when neither binds.
type Listener struct {
	server    *session.Server
	certs     *CertStore
	listeners []net.Listener
}

// Listen binds the protocol port. certs may be nil to disable TLS upgrades.
func Listen(server *session.Server, certs *CertStore, port int) (*Listener, error) {
	l := &Listener{server: server, certs: certs}

	for _, bind := range []struct{ network, addr string }{
		{"tcp6", fmt.Sprintf("[::]:%d", port)},
		{"tcp4", fmt.Sprintf("0.0.0.0:%d", port)},
	} {
		ln, err := net.Listen(bind.network, bind.addr)
		if err != nil {
			logging.Warn(context.Background(), "Could not bind listener",
				zap.String("network", bind.network), zap.String("addr", bind.addr), zap.Error(err))
			continue
		}
		logging.Info(context.Background(), "Listening",
			zap.String("network", bind.network), zap.String("addr", bind.addr))
		l.listeners = append(l.listeners, ln)
	}
	if len(l.listeners) == 0 {
		return nil, fmt.Errorf("unable to listen on port %d on either IPv4 or IPv6", port)
	}
	return l, nil
}

// Serve accepts connections until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		for _, ln := range l.listeners {
			_ = ln.Close()
		}
	}()

	errCh := make(chan error, len(l.listeners))
	for _, ln := range l.listeners {
		go func(ln net.Listener) {
			for {
				conn, err := ln.Accept()
				if err != nil {
					errCh <- err
					return
				}
				c := NewConn(l.server, l.certs, conn)
				go c.Run()
			}
		}(ln)
	}

	for range l.listeners {
		if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
			logging.Error(context.Background(), "Accept loop terminated", zap.Error(err))
		}
	}
}

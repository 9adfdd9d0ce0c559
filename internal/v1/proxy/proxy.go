// Package proxy is the pass-through front-end: it accepts client connections
// over TCP or WebSocket, opens one upstream TCP connection per client and
// relays JSON frames in both directions without interpreting them, except for
// tagging the first Hello with the client address and answering TLS
// inquiries locally.
package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/metrics"
	"github.com/cinesync/cinesync/internal/v1/transport"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Proxy relays protocol frames to one upstream server. Upstream dials go
// through a circuit breaker so a dead upstream sheds new clients quickly
// instead of stacking up dial timeouts.
type Proxy struct {
	upstreamAddr string
	certs        *transport.CertStore
	breaker      *gobreaker.CircuitBreaker
}

// New builds a proxy for upstreamAddr. certs may be nil; then TLS inquiries
// from clients are always refused.
func New(upstreamAddr string, certs *transport.CertStore) *Proxy {
	st := gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			logging.Info(context.Background(), "Upstream circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Proxy{
		upstreamAddr: upstreamAddr,
		certs:        certs,
		breaker:      gobreaker.NewCircuitBreaker(st),
	}
}

func (p *Proxy) dialUpstream() (net.Conn, error) {
	res, err := p.breaker.Execute(func() (any, error) {
		return net.DialTimeout("tcp", p.upstreamAddr, dialTimeout)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("upstream").Inc()
		}
		return nil, err
	}
	return res.(net.Conn), nil
}

func (p *Proxy) localTLSConfig() *tls.Config {
	if p.certs == nil || !p.certs.Enabled() {
		return nil
	}
	return p.certs.Config()
}

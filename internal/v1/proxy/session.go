package proxy

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/metrics"
)

// session pairs one client connection with one upstream connection. The
// upstream dial runs asynchronously; client frames that arrive before it
// completes are buffered and flushed in order.
type session struct {
	id       string
	proxy    *Proxy
	client   frameConn
	upstream frameConn

	mu            sync.Mutex
	pending       [][]byte
	upstreamReady bool
	closed        bool
	helloSeen     bool
}

// handle relays frames between client and the upstream until either side
// closes. It blocks until the session ends.
func (p *Proxy) handle(client frameConn) {
	s := &session{
		id:     uuid.NewString(),
		proxy:  p,
		client: client,
	}
	metrics.ProxyActiveSessions.Inc()
	defer metrics.ProxyActiveSessions.Dec()
	logging.Debug(context.Background(), "Proxy session opened",
		zap.String("session_id", s.id), zap.String("peer", client.RemoteIP()))

	go s.connectUpstream()
	s.clientLoop()
}

func (s *session) connectUpstream() {
	conn, err := s.proxy.dialUpstream()
	if err != nil {
		logging.Warn(context.Background(), "Upstream dial failed",
			zap.String("session_id", s.id), zap.String("upstream", s.proxy.upstreamAddr), zap.Error(err))
		s.close()
		return
	}

	up := newTCPFrameConn(conn)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		up.Close()
		return
	}
	s.upstream = up

	// Drain the queue before publishing readiness. Frames forwarded while a
	// batch is being written keep landing in pending, so nothing can overtake
	// an earlier frame; readiness only flips once the queue is empty under
	// the lock.
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, frame := range batch {
			if err := up.WriteFrame(frame); err != nil {
				s.close()
				return
			}
			metrics.ProxyFramesForwarded.WithLabelValues("upstream").Inc()
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
	}
	s.upstreamReady = true
	s.mu.Unlock()

	s.upstreamLoop(up)
}

func (s *session) upstreamLoop(up frameConn) {
	for {
		frame, err := up.ReadFrame()
		if err != nil {
			s.close()
			return
		}
		if err := s.client.WriteFrame(frame); err != nil {
			s.close()
			return
		}
		metrics.ProxyFramesForwarded.WithLabelValues("client").Inc()
	}
}

func (s *session) clientLoop() {
	defer s.close()
	for {
		frame, err := s.client.ReadFrame()
		if err != nil {
			return
		}
		if len(frame) == 0 {
			continue
		}
		if s.interceptTLS(frame) {
			continue
		}
		frame = s.tagHello(frame)
		if !s.forwardUpstream(frame) {
			return
		}
	}
}

// interceptTLS answers startTLS inquiries locally. The upstream never sees
// them: the proxy terminates TLS itself when it has a certificate, and a
// forwarded upgrade would put an unreadable handshake in the middle of the
// frame relay.
func (s *session) interceptTLS(frame []byte) bool {
	var inquiry struct {
		TLS *struct {
			StartTLS string `json:"startTLS"`
		} `json:"TLS"`
	}
	if err := json.Unmarshal(frame, &inquiry); err != nil || inquiry.TLS == nil {
		return false
	}
	if !strings.Contains(inquiry.TLS.StartTLS, "send") {
		return true
	}

	s.mu.Lock()
	helloSeen := s.helloSeen
	s.mu.Unlock()

	if cfg := s.proxy.localTLSConfig(); cfg != nil && !helloSeen && s.client.SupportsStartTLS() {
		if err := s.client.WriteFrame([]byte(`{"TLS": {"startTLS": "true"}}`)); err != nil {
			return true
		}
		s.client.StartTLS(cfg)
		logging.Debug(context.Background(), "Proxy session upgraded to TLS", zap.String("session_id", s.id))
	} else {
		_ = s.client.WriteFrame([]byte(`{"TLS": {"startTLS": "false"}}`))
	}
	return true
}

// tagHello adds the client address to the first Hello so the upstream can
// log and rate real peer IPs instead of the proxy's.
func (s *session) tagHello(frame []byte) []byte {
	s.mu.Lock()
	seen := s.helloSeen
	s.mu.Unlock()
	if seen {
		return frame
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return frame
	}
	raw, ok := envelope["Hello"]
	if !ok {
		return frame
	}
	var hello map[string]any
	if err := json.Unmarshal(raw, &hello); err != nil {
		return frame
	}
	hello["user_ip"] = s.client.RemoteIP()

	tagged, err := json.Marshal(hello)
	if err != nil {
		return frame
	}
	envelope["Hello"] = tagged
	out, err := json.Marshal(envelope)
	if err != nil {
		return frame
	}

	s.mu.Lock()
	s.helloSeen = true
	s.mu.Unlock()
	return out
}

func (s *session) forwardUpstream(frame []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if !s.upstreamReady {
		s.pending = append(s.pending, frame)
		s.mu.Unlock()
		return true
	}
	up := s.upstream
	s.mu.Unlock()

	if err := up.WriteFrame(frame); err != nil {
		return false
	}
	metrics.ProxyFramesForwarded.WithLabelValues("upstream").Inc()
	return true
}

// close tears down both sides. Idempotent; either loop may get here first.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	up := s.upstream
	s.mu.Unlock()

	_ = s.client.Close()
	if up != nil {
		_ = up.Close()
	}
	logging.Debug(context.Background(), "Proxy session closed", zap.String("session_id", s.id))
}

package proxy

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFrameConn records written frames and serves reads from a channel.
type fakeFrameConn struct {
	mu       sync.Mutex
	written  [][]byte
	inbound  chan []byte
	remoteIP string
	startTLS bool
	upgraded bool
	closed   bool
}

func newFakeFrameConn(remoteIP string, startTLS bool) *fakeFrameConn {
	return &fakeFrameConn{
		inbound:  make(chan []byte, 16),
		remoteIP: remoteIP,
		startTLS: startTLS,
	}
}

func (f *fakeFrameConn) ReadFrame() ([]byte, error) {
	frame, ok := <-f.inbound
	if !ok {
		return nil, net.ErrClosed
	}
	return frame, nil
}

func (f *fakeFrameConn) WriteFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), frame...))
	return nil
}

func (f *fakeFrameConn) SupportsStartTLS() bool { return f.startTLS }

func (f *fakeFrameConn) StartTLS(*tls.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upgraded = true
}

func (f *fakeFrameConn) RemoteIP() string { return f.remoteIP }

func (f *fakeFrameConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFrameConn) writtenFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func TestTagHello_InjectsClientIP(t *testing.T) {
	client := newFakeFrameConn("203.0.113.9", true)
	s := &session{proxy: New("127.0.0.1:1", nil), client: client}

	out := s.tagHello([]byte(`{"Hello": {"username": "ann", "version": "1.7.3"}}`))

	var frame struct {
		Hello map[string]any `json:"Hello"`
	}
	require.NoError(t, json.Unmarshal(out, &frame))
	assert.Equal(t, "203.0.113.9", frame.Hello["user_ip"])
	assert.Equal(t, "ann", frame.Hello["username"])

	// Only the first Hello gets tagged
	again := s.tagHello([]byte(`{"Hello": {"username": "ann"}}`))
	assert.NotContains(t, string(again), "user_ip")
}

func TestTagHello_NonHelloPassesThrough(t *testing.T) {
	client := newFakeFrameConn("203.0.113.9", true)
	s := &session{proxy: New("127.0.0.1:1", nil), client: client}

	in := []byte(`{"State": {"playstate": {"position": 1}}}`)
	assert.Equal(t, in, s.tagHello(in))
}

func TestInterceptTLS_RefusedWithoutCertificate(t *testing.T) {
	client := newFakeFrameConn("203.0.113.9", true)
	s := &session{proxy: New("127.0.0.1:1", nil), client: client}

	handled := s.interceptTLS([]byte(`{"TLS": {"startTLS": "send"}}`))

	assert.True(t, handled, "TLS frames never reach the upstream")
	frames := client.writtenFrames()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"TLS": {"startTLS": "false"}}`, string(frames[0]))
	assert.False(t, client.upgraded)
}

func TestInterceptTLS_IgnoresOtherFrames(t *testing.T) {
	client := newFakeFrameConn("203.0.113.9", true)
	s := &session{proxy: New("127.0.0.1:1", nil), client: client}

	assert.False(t, s.interceptTLS([]byte(`{"Hello": {"username": "ann"}}`)))
	assert.Empty(t, client.writtenFrames())
}

func TestForwardUpstream_BuffersUntilReady(t *testing.T) {
	client := newFakeFrameConn("203.0.113.9", true)
	s := &session{proxy: New("127.0.0.1:1", nil), client: client}

	assert.True(t, s.forwardUpstream([]byte(`{"Hello": {}}`)))
	assert.True(t, s.forwardUpstream([]byte(`{"List": null}`)))

	s.mu.Lock()
	require.Len(t, s.pending, 2)
	assert.Equal(t, `{"Hello": {}}`, string(s.pending[0]))
	s.mu.Unlock()

	up := newFakeFrameConn("10.0.0.1", false)
	s.mu.Lock()
	s.upstream = up
	s.upstreamReady = true
	s.mu.Unlock()

	assert.True(t, s.forwardUpstream([]byte(`{"State": {}}`)))
	frames := up.writtenFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, `{"State": {}}`, string(frames[0]))
}

// TestForwardUpstream_OrderSurvivesFlush races frames forwarded during the
// pending-queue flush against the queue itself: every frame must reach the
// upstream in the order the client sent it, never overtaking a buffered one.
func TestForwardUpstream_OrderSurvivesFlush(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = upstream.Close() })

	received := make(chan []string, 1)
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Read slowly enough that the flush overlaps live forwarding
		time.Sleep(50 * time.Millisecond)
		reader := bufio.NewReader(conn)
		var got []string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			got = append(got, strings.TrimRight(line, "\r\n"))
		}
		received <- got
	}()

	client := newFakeFrameConn("203.0.113.9", true)
	s := &session{id: "order", proxy: New(upstream.Addr().String(), nil), client: client}

	frame := func(i int) []byte { return []byte(fmt.Sprintf(`{"n": %d}`, i)) }
	const buffered, live = 2000, 2000

	for i := 0; i < buffered; i++ {
		require.True(t, s.forwardUpstream(frame(i)))
	}
	go s.connectUpstream()
	for i := buffered; i < buffered+live; i++ {
		require.True(t, s.forwardUpstream(frame(i)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		drained := s.upstreamReady && len(s.pending) == 0
		s.mu.Unlock()
		if drained {
			break
		}
		require.True(t, time.Now().Before(deadline), "pending queue never drained")
		time.Sleep(5 * time.Millisecond)
	}
	s.close()

	select {
	case got := <-received:
		require.Len(t, got, buffered+live)
		for i, g := range got {
			require.Equal(t, fmt.Sprintf(`{"n": %d}`, i), g, "frame %d out of order", i)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never finished reading")
	}
}

// TestProxy_RelaysBothDirections runs a real relay against a local TCP
// upstream and checks that the first Hello arrives tagged with the client
// address and the upstream's reply makes it back.
func TestProxy_RelaysBothDirections(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = upstream.Close() })

	upstreamGotHello := make(chan map[string]any, 1)
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var frame struct {
			Hello map[string]any `json:"Hello"`
		}
		if json.Unmarshal([]byte(line), &frame) == nil {
			upstreamGotHello <- frame.Hello
		}
		_, _ = conn.Write([]byte(`{"Hello": {"username": "ann", "version": "1.7.3"}}` + "\r\n"))
	}()

	p := New(upstream.Addr().String(), nil)

	front, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = front.Close() })
	go func() {
		conn, err := front.Accept()
		if err != nil {
			return
		}
		p.handle(newTCPFrameConn(conn))
	}()

	clientSide, err := net.Dial("tcp", front.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientSide.Close() })

	_ = clientSide.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err = clientSide.Write([]byte(`{"Hello": {"username": "ann", "version": "1.7.3"}}` + "\r\n"))
	require.NoError(t, err)

	select {
	case hello := <-upstreamGotHello:
		assert.Equal(t, "127.0.0.1", hello["user_ip"])
		assert.Equal(t, "ann", hello["username"])
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received the Hello")
	}

	_ = clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(clientSide).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"Hello"`)
}

package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxFrameBytes = 16384

// frameConn abstracts one side of the relay: a whole protocol frame in, a
// whole frame out, terminators handled by the implementation.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	// SupportsStartTLS reports whether the connection can be upgraded
	// in-band; StartTLS must only be called when it returns true.
	SupportsStartTLS() bool
	StartTLS(cfg *tls.Config)
	RemoteIP() string
	Close() error
}

// tcpFrameConn frames with line-delimited JSON, matching the sync protocol.
type tcpFrameConn struct {
	writeMu sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
}

func newTCPFrameConn(conn net.Conn) *tcpFrameConn {
	return &tcpFrameConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxFrameBytes),
	}
}

func (c *tcpFrameConn) ReadFrame() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (c *tcpFrameConn) WriteFrame(frame []byte) error {
	data := make([]byte, 0, len(frame)+2)
	data = append(data, frame...)
	data = append(data, '\r', '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(data)
	return err
}

func (c *tcpFrameConn) SupportsStartTLS() bool { return true }

// replayConn feeds back bytes the bufio reader had already consumed before
// the TLS handshake takes over.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (r *replayConn) Read(p []byte) (int, error) { return r.r.Read(p) }

func (c *tcpFrameConn) StartTLS(cfg *tls.Config) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	pending, _ := c.reader.Peek(c.reader.Buffered())
	pending = append([]byte(nil), pending...)
	plain := c.conn
	tlsConn := tls.Server(&replayConn{
		Conn: plain,
		r:    io.MultiReader(bytes.NewReader(pending), plain),
	}, cfg)
	c.conn = tlsConn
	c.reader = bufio.NewReaderSize(tlsConn, maxFrameBytes)
}

func (c *tcpFrameConn) RemoteIP() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

func (c *tcpFrameConn) Close() error { return c.conn.Close() }

// wsFrameConn frames with WebSocket text messages, one frame per message.
// TLS belongs to the HTTP listener here, so in-band upgrades are refused.
type wsFrameConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func newWSFrameConn(conn *websocket.Conn) *wsFrameConn {
	return &wsFrameConn{conn: conn}
}

func (c *wsFrameConn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return bytes.TrimRight(data, "\r\n"), nil
	}
}

func (c *wsFrameConn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsFrameConn) SupportsStartTLS() bool { return false }

func (c *wsFrameConn) StartTLS(*tls.Config) {}

func (c *wsFrameConn) RemoteIP() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

func (c *wsFrameConn) Close() error { return c.conn.Close() }

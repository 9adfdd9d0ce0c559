// Package transport implements the line-delimited JSON protocol over TCP:
// framing, command dispatch, the latency measurement ping-pong and the
// in-band TLS upgrade. It drives the session package through its locked
// entry points and implements types.Connector for outbound traffic.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/messages"
	"github.com/cinesync/cinesync/internal/v1/metrics"
	"github.com/cinesync/cinesync/internal/v1/session"
	"github.com/cinesync/cinesync/internal/v1/types"
)

const (
	// maxLineBytes bounds a single protocol line; longer lines kill the
	// connection.
	maxLineBytes = 16384

	writeTimeout = 10 * time.Second
)

var errLineTooLong = errors.New("protocol line exceeds maximum length")

// Conn is one client connection. The read loop runs in its own goroutine;
// outbound frames may come from any goroutine (room broadcasts, the state
// pump) and are serialized by writeMu. The protocol counters and the ping
// state live behind mu; lock order is session lock first, then mu.
type Conn struct {
	server *session.Server
	certs  *CertStore
	id     string

	writeMu sync.Mutex
	conn    net.Conn

	// reader is only touched by the read-loop goroutine.
	reader *bufio.Reader

	mu                       sync.Mutex
	logged                   bool
	watcher                  *session.Watcher
	version                  string
	features                 map[string]any
	serverIgnoringOnTheFly   int
	clientIgnoringOnTheFly   int
	ping                     pingService
	clientLatencyCalculation float64
	clientLatencyArrival     float64

	closeOnce sync.Once
}

// NewConn wraps an accepted TCP connection. certs may be nil when the server
// runs without TLS support.
func NewConn(server *session.Server, certs *CertStore, raw net.Conn) *Conn {
	return &Conn{
		server: server,
		certs:  certs,
		id:     uuid.NewString(),
		conn:   raw,
		reader: bufio.NewReaderSize(raw, maxLineBytes),
	}
}

// Run reads frames until the connection dies, then detaches the watcher.
func (c *Conn) Run() {
	metrics.IncConnection()
	logging.Debug(context.Background(), "Connection opened",
		zap.String("conn_id", c.id), zap.String("peer", c.PeerIP()))
	defer func() {
		c.Drop()
		c.mu.Lock()
		w := c.watcher
		c.mu.Unlock()
		if w != nil {
			c.server.RemoveWatcher(w)
		}
		metrics.DecConnection()
		logging.Debug(context.Background(), "Connection closed", zap.String("conn_id", c.id))
	}()

	for {
		line, err := c.readLine()
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}
		if !utf8.Valid(line) {
			c.dropWithError(messages.Get("line-decode-server-error"))
			return
		}
		cmds, err := parseFrame(line)
		if err != nil {
			c.dropWithError(messages.Getf("not-json-server-error", string(line)))
			return
		}
		for _, cmd := range cmds {
			if !c.dispatch(cmd) {
				return
			}
		}
	}
}

// readLine returns the next line with the terminator trimmed. A line that
// overflows the buffer is a protocol violation and ends the connection.
func (c *Conn) readLine() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, errLineTooLong
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

type command struct {
	name string
	raw  json.RawMessage
}

// parseFrame splits one frame into its commands, preserving the order the
// client wrote them in. encoding/json map decoding would randomize it.
func parseFrame(line []byte) ([]command, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok != json.Delim('{') {
		return nil, fmt.Errorf("frame is not a JSON object")
	}
	var cmds []command
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("frame key is not a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		cmds = append(cmds, command{name: key, raw: raw})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return cmds, nil
}

// dispatch routes one command. It returns false when the connection must not
// process the rest of the frame.
func (c *Conn) dispatch(cmd command) bool {
	switch cmd.name {
	case "Hello":
		c.handleHello(cmd.raw)
	case "TLS":
		c.handleTLS(cmd.raw)
	case "Error":
		c.handleError(cmd.raw)
	case "Set", "List", "State", "Chat":
		if !c.requireLogged() {
			metrics.RecordFrame(cmd.name, "rejected")
			return false
		}
		switch cmd.name {
		case "Set":
			c.handleSet(cmd.raw)
		case "List":
			c.handleList(cmd.raw)
		case "State":
			c.handleState(cmd.raw)
		case "Chat":
			c.handleChat(cmd.raw)
		}
	default:
		metrics.RecordFrame(cmd.name, "unknown")
		c.dropWithError(messages.Getf("unknown-command-server-error", cmd.name))
		return false
	}
	metrics.RecordFrame(cmd.name, "ok")
	return true
}

func (c *Conn) requireLogged() bool {
	if !c.IsLogged() {
		c.dropWithError(messages.Get("not-known-server-error"))
		return false
	}
	return true
}

func (c *Conn) dropWithError(errMsg string) {
	logging.Error(context.Background(), messages.Getf("client-drop-server-error", c.PeerIP(), errMsg),
		zap.String("conn_id", c.id))
	c.sendError(errMsg)
	c.Drop()
}

// Drop closes the connection. Safe from any goroutine and idempotent.
func (c *Conn) Drop() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *Conn) sendMessage(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode outbound frame",
			zap.String("conn_id", c.id), zap.Error(err))
		return
	}
	data = append(data, '\r', '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(data); err != nil {
		logging.Debug(context.Background(), "Write failed",
			zap.String("conn_id", c.id), zap.Error(err))
	}
}

// --- Connector identity ---

func (c *Conn) ID() string { return c.id }

func (c *Conn) PeerIP() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

func (c *Conn) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Features returns the client's advertised feature set. Clients predating the
// feature list get defaults inferred from their version.
func (c *Conn) Features() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.features == nil {
		c.features = map[string]any{
			"sharedPlaylists": types.MeetsMinVersion(c.version, types.SharedPlaylistMinVersion),
			"chat":            types.MeetsMinVersion(c.version, types.ChatMinVersion),
			"featureList":     false,
			"readiness":       types.MeetsMinVersion(c.version, types.UserReadyMinVersion),
			"managedRooms":    types.MeetsMinVersion(c.version, types.ControlledRoomsMinVersion),
		}
	}
	return c.features
}

func (c *Conn) SetFeatures(features map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.features = features
}

func (c *Conn) MeetsMinVersion(minVersion string) bool {
	return types.MeetsMinVersion(c.Version(), minVersion)
}

func (c *Conn) IsLogged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logged
}

// --- Inbound handlers ---

func (c *Conn) handleHello(raw json.RawMessage) {
	var hello struct {
		Username    *string `json:"username"`
		Password    string  `json:"password"`
		Room        *struct {
			Name *string `json:"name"`
		} `json:"room"`
		Version     string         `json:"version"`
		RealVersion string         `json:"realversion"`
		Features    map[string]any `json:"features"`
	}
	if err := json.Unmarshal(raw, &hello); err != nil {
		c.dropWithError(messages.Get("hello-server-error"))
		return
	}
	if c.IsLogged() {
		return
	}

	username := ""
	if hello.Username != nil {
		username = strings.TrimSpace(*hello.Username)
	}
	roomName := ""
	if hello.Room != nil && hello.Room.Name != nil {
		roomName = strings.TrimSpace(*hello.Room.Name)
	}
	version := hello.Version
	if hello.RealVersion != "" {
		version = hello.RealVersion
	}

	if username == "" || roomName == "" || version == "" {
		c.dropWithError(messages.Get("hello-server-error"))
		return
	}
	if c.server.HasPassword() {
		if hello.Password == "" {
			c.dropWithError(messages.Get("password-required-server-error"))
			return
		}
		if !c.server.CheckServerPassword(hello.Password) {
			c.dropWithError(messages.Get("wrong-password-server-error"))
			return
		}
	}

	c.mu.Lock()
	c.version = version
	c.features = hello.Features
	c.mu.Unlock()

	w := c.server.AddWatcher(c, username, roomName)

	c.mu.Lock()
	c.watcher = w
	c.logged = true
	c.mu.Unlock()

	c.sendHello(w, version)
}

func (c *Conn) sendHello(w *session.Watcher, clientVersion string) {
	hello := map[string]any{
		"username":    w.Name(),
		"version":     clientVersion, // echoed so pre-1.3 clients accept the reply
		"realversion": types.Version,
		"features":    c.server.Features(),
	}
	roomName := ""
	if room := w.Room(); room != nil {
		roomName = room.Name()
		hello["room"] = map[string]any{"name": roomName}
	}
	hello["motd"] = c.server.Motd(c.PeerIP(), w.Name(), roomName, clientVersion)
	c.sendMessage(map[string]any{"Hello": hello})
}

func (c *Conn) handleSet(raw json.RawMessage) {
	settings, err := parseFrame(raw)
	if err != nil {
		c.dropWithError(messages.Getf("not-json-server-error", string(raw)))
		return
	}
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()

	for _, setting := range settings {
		switch setting.name {
		case "room":
			var room struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(setting.raw, &room); err == nil {
				c.server.SetWatcherRoom(w, room.Name)
			}
		case "file":
			var file types.FileInfo
			if err := json.Unmarshal(setting.raw, &file); err == nil {
				c.server.SetWatcherFile(w, file)
			}
		case "controllerAuth":
			var auth struct {
				Password string `json:"password"`
				Room     string `json:"room"`
			}
			if err := json.Unmarshal(setting.raw, &auth); err == nil {
				c.server.AuthRoomController(w, auth.Password, auth.Room)
			}
		case "ready":
			var ready struct {
				IsReady           *bool `json:"isReady"`
				ManuallyInitiated bool  `json:"manuallyInitiated"`
			}
			if err := json.Unmarshal(setting.raw, &ready); err == nil {
				c.server.SetReady(w, ready.IsReady, ready.ManuallyInitiated)
			}
		case "playlistChange":
			var change struct {
				Files []string `json:"files"`
			}
			if err := json.Unmarshal(setting.raw, &change); err == nil {
				c.server.SetPlaylist(w, change.Files)
			}
		case "playlistIndex":
			var idx struct {
				Index *int `json:"index"`
			}
			if err := json.Unmarshal(setting.raw, &idx); err == nil {
				c.server.SetPlaylistIndex(w, idx.Index)
			}
		case "features":
			var features map[string]any
			if err := json.Unmarshal(setting.raw, &features); err == nil {
				c.SetFeatures(features)
			}
		}
	}
}

func (c *Conn) handleList(_ json.RawMessage) {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	c.server.SendList(w)
}

func (c *Conn) handleState(raw json.RawMessage) {
	var state struct {
		IgnoringOnTheFly *struct {
			Server *int `json:"server"`
			Client *int `json:"client"`
		} `json:"ignoringOnTheFly"`
		Playstate *struct {
			Position *float64 `json:"position"`
			Paused   *bool    `json:"paused"`
			DoSeek   *bool    `json:"doSeek"`
		} `json:"playstate"`
		Ping *struct {
			LatencyCalculation       *float64 `json:"latencyCalculation"`
			ClientLatencyCalculation *float64 `json:"clientLatencyCalculation"`
			ClientRtt                *float64 `json:"clientRtt"`
		} `json:"ping"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		c.dropWithError(messages.Getf("not-json-server-error", string(raw)))
		return
	}

	var (
		position *float64
		paused   *bool
		doSeek   bool
	)
	if state.Playstate != nil {
		pos := 0.0
		if state.Playstate.Position != nil {
			pos = *state.Playstate.Position
		}
		position = &pos
		paused = state.Playstate.Paused
		doSeek = state.Playstate.DoSeek != nil && *state.Playstate.DoSeek
	}

	c.mu.Lock()
	if iotf := state.IgnoringOnTheFly; iotf != nil {
		if iotf.Server != nil && c.serverIgnoringOnTheFly == *iotf.Server {
			c.serverIgnoringOnTheFly = 0
		}
		if iotf.Client != nil {
			c.clientIgnoringOnTheFly = *iotf.Client
		}
	}
	if ping := state.Ping; ping != nil {
		latency, clientRtt := 0.0, 0.0
		if ping.LatencyCalculation != nil {
			latency = *ping.LatencyCalculation
		}
		if ping.ClientRtt != nil {
			clientRtt = *ping.ClientRtt
		}
		c.clientLatencyCalculation = 0
		if ping.ClientLatencyCalculation != nil {
			c.clientLatencyCalculation = *ping.ClientLatencyCalculation
		}
		c.clientLatencyArrival = nowSeconds()
		c.ping.receive(latency, clientRtt)
	}
	suppressed := c.serverIgnoringOnTheFly > 0
	forwardDelay := c.ping.forwardDelay
	w := c.watcher
	c.mu.Unlock()

	if !suppressed {
		c.server.UpdateWatcherState(w, position, paused, doSeek, forwardDelay)
	}
}

func (c *Conn) handleChat(raw json.RawMessage) {
	if !c.server.ChatEnabled() {
		return
	}
	var message string
	if err := json.Unmarshal(raw, &message); err != nil {
		return
	}
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	c.server.SendChat(w, message)
}

func (c *Conn) handleError(raw json.RawMessage) {
	var errPayload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &errPayload)
	c.dropWithError(errPayload.Message)
}

func (c *Conn) sendError(message string) {
	c.sendMessage(map[string]any{"Error": map[string]any{"message": message}})
}

func (c *Conn) sendTLS(payload map[string]any) {
	c.sendMessage(map[string]any{"TLS": payload})
}

// handleTLS answers a startTLS inquiry. The upgrade is only offered before
// authentication; at that point the read loop is the sole reader and no
// broadcast can target this connection, so swapping the conn is safe.
func (c *Conn) handleTLS(raw json.RawMessage) {
	var inquiry struct {
		StartTLS string `json:"startTLS"`
	}
	if err := json.Unmarshal(raw, &inquiry); err != nil || !strings.Contains(inquiry.StartTLS, "send") {
		return
	}

	if c.IsLogged() || c.certs == nil || !c.certs.Enabled() {
		metrics.TLSUpgrades.WithLabelValues("refused").Inc()
		c.sendTLS(map[string]any{"startTLS": "false"})
		return
	}
	cfg := c.certs.Config()
	if cfg == nil {
		metrics.TLSUpgrades.WithLabelValues("refused").Inc()
		c.sendTLS(map[string]any{"startTLS": "false"})
		return
	}

	c.sendTLS(map[string]any{"startTLS": "true"})
	c.startTLS(cfg)
	metrics.TLSUpgrades.WithLabelValues("upgraded").Inc()
}

// bufferedConn replays bytes the bufio reader had already consumed from the
// plaintext socket before handing reads over to it.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func (c *Conn) startTLS(cfg *tls.Config) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	pending, _ := c.reader.Peek(c.reader.Buffered())
	pending = append([]byte(nil), pending...)
	plain := c.conn
	tlsConn := tls.Server(&bufferedConn{
		Conn: plain,
		r:    io.MultiReader(bytes.NewReader(pending), plain),
	}, cfg)
	c.conn = tlsConn
	c.reader = bufio.NewReaderSize(tlsConn, maxLineBytes)
	logging.Debug(context.Background(), "Connection upgraded to TLS", zap.String("conn_id", c.id))
}

// --- Outbound protocol (types.Connector) ---

// SendState emits one State frame. A forced frame opens an ignoring window:
// the client's own State reports are disregarded until it acknowledges the
// window by echoing the counter back.
func (c *Conn) SendState(position float64, paused bool, doSeek bool, setBy string, forced bool) {
	c.mu.Lock()
	processingTime := 0.0
	if c.clientLatencyArrival != 0 {
		processingTime = nowSeconds() - c.clientLatencyArrival
	}
	playstate := map[string]any{
		"position": position,
		"paused":   paused,
		"doSeek":   doSeek,
		"setBy":    nullableString(setBy),
	}
	ping := map[string]any{
		"latencyCalculation": c.ping.newTimestamp(),
		"serverRtt":          c.ping.avgRtt,
	}
	if c.clientLatencyCalculation != 0 {
		ping["clientLatencyCalculation"] = c.clientLatencyCalculation + processingTime
		c.clientLatencyCalculation = 0
	}
	state := map[string]any{
		"ping":      ping,
		"playstate": playstate,
	}
	if forced {
		c.serverIgnoringOnTheFly++
	}
	if c.serverIgnoringOnTheFly > 0 || c.clientIgnoringOnTheFly > 0 {
		iotf := map[string]any{}
		if c.serverIgnoringOnTheFly > 0 {
			iotf["server"] = c.serverIgnoringOnTheFly
		}
		if c.clientIgnoringOnTheFly > 0 {
			iotf["client"] = c.clientIgnoringOnTheFly
			c.clientIgnoringOnTheFly = 0
		}
		state["ignoringOnTheFly"] = iotf
	}
	send := c.serverIgnoringOnTheFly == 0 || forced
	c.mu.Unlock()

	if send {
		metrics.StateFramesSent.WithLabelValues(strconv.FormatBool(forced)).Inc()
		c.sendMessage(map[string]any{"State": state})
	}
}

func (c *Conn) sendSet(setting map[string]any) {
	c.sendMessage(map[string]any{"Set": setting})
}

func (c *Conn) SendUserSetting(username, roomName string, file types.FileInfo, event map[string]any) {
	user := map[string]any{
		"room": map[string]any{"name": roomName},
	}
	if file != nil {
		user["file"] = file
	}
	if event != nil {
		user["event"] = event
	}
	c.sendSet(map[string]any{"user": map[string]any{username: user}})
}

func (c *Conn) SendNewControlledRoom(roomName, password string) {
	c.sendSet(map[string]any{
		"newControlledRoom": map[string]any{
			"roomName": roomName,
			"password": password,
		},
	})
}

func (c *Conn) SendControlledRoomAuthStatus(success bool, username, roomName string) {
	c.sendSet(map[string]any{
		"controllerAuth": map[string]any{
			"user":    username,
			"room":    roomName,
			"success": success,
		},
	})
}

// SendChatMessage delivers a chat line; clients that predate chat support
// never see them.
func (c *Conn) SendChatMessage(username, message string) {
	if !c.MeetsMinVersion(types.ChatMinVersion) {
		return
	}
	c.sendMessage(map[string]any{"Chat": map[string]any{
		"username": username,
		"message":  message,
	}})
}

func (c *Conn) SendSetReady(username string, isReady *bool, manuallyInitiated bool) {
	c.sendSet(map[string]any{
		"ready": map[string]any{
			"username":          username,
			"isReady":           isReady,
			"manuallyInitiated": manuallyInitiated,
		},
	})
}

func (c *Conn) SendPlaylistChange(username string, files []string) {
	if files == nil {
		files = []string{}
	}
	c.sendSet(map[string]any{
		"playlistChange": map[string]any{
			"user":  nullableString(username),
			"files": files,
		},
	})
}

func (c *Conn) SendPlaylistIndex(username string, index *int) {
	c.sendSet(map[string]any{
		"playlistIndex": map[string]any{
			"user":  nullableString(username),
			"index": index,
		},
	})
}

func (c *Conn) SendList(userList map[string]map[string]types.UserListEntry) {
	c.sendMessage(map[string]any{"List": userList})
}

// nullableString renders the empty string as JSON null.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Package session implements the room synchronization engine: the server
// factory, the room index, rooms with their authoritative playback cursor,
// and the per-client watcher state. The wire protocol lives in the transport
// package and talks to this engine through locked Server entry points.
package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/auth"
	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/messages"
	"github.com/cinesync/cinesync/internal/v1/types"
)

// Config carries the server factory inputs. Zero values are usable: no
// password, no MOTD, generated salt, defaults for the advertised limits.
type Config struct {
	IsolateRooms         bool
	Password             string // plaintext; hashed with MD5 before comparison
	MotdFilePath         string
	Salt                 string // generated and logged when empty
	DisableReady         bool
	DisableChat          bool
	MaxChatMessageLength int
	MaxUsernameLength    int
	Port                 int
}

// Server owns the room index and the authoritative playback state. One mutex
// guards the index, rooms and watchers; protocol handlers and the per-watcher
// state pumps all enter through it, which keeps the ordering guarantees of a
// single-threaded reactor.
type Server struct {
	mu    sync.Mutex
	rooms Manager

	passwordHash         string
	salt                 string
	motdFilePath         string
	isolateRooms         bool
	disableReady         bool
	disableChat          bool
	maxChatMessageLength int
	maxUsernameLength    int
	port                 int
}

// NewServer builds the sync engine from cfg.
func NewServer(cfg Config) *Server {
	logging.Info(context.Background(), messages.Getf("welcome-server-notification", types.Version))

	s := &Server{
		motdFilePath:         cfg.MotdFilePath,
		isolateRooms:         cfg.IsolateRooms,
		disableReady:         cfg.DisableReady,
		disableChat:          cfg.DisableChat,
		maxChatMessageLength: cfg.MaxChatMessageLength,
		maxUsernameLength:    cfg.MaxUsernameLength,
		port:                 cfg.Port,
	}
	if s.maxChatMessageLength <= 0 {
		s.maxChatMessageLength = types.MaxChatMessageLength
	}
	if s.maxUsernameLength <= 0 {
		s.maxUsernameLength = types.MaxUsernameLength
	}

	if cfg.Password != "" {
		s.passwordHash = auth.HashServerPassword(cfg.Password)
	}

	s.salt = cfg.Salt
	if s.salt == "" {
		s.salt = auth.RandomServerSalt()
		logging.Warn(context.Background(), messages.Getf("no-salt-notification", s.salt))
	}

	if cfg.IsolateRooms {
		s.rooms = NewPublicRoomManager()
	} else {
		s.rooms = NewRoomManager()
	}
	return s
}

// HasPassword reports whether a server password is configured.
func (s *Server) HasPassword() bool { return s.passwordHash != "" }

// CheckServerPassword compares the MD5 digest supplied in Hello against the
// configured one.
func (s *Server) CheckServerPassword(suppliedDigest string) bool {
	return suppliedDigest == s.passwordHash
}

// ChatEnabled reports whether Chat frames are handled at all.
func (s *Server) ChatEnabled() bool { return !s.disableChat }

// Salt returns the controlled-room salt in force.
func (s *Server) Salt() string { return s.salt }

// Features is the capability advertisement carried in the Hello reply.
func (s *Server) Features() map[string]any {
	return map[string]any{
		"isolateRooms":         s.isolateRooms,
		"readiness":            !s.disableReady,
		"managedRooms":         true,
		"chat":                 !s.disableChat,
		"maxChatMessageLength": s.maxChatMessageLength,
		"maxUsernameLength":    s.maxUsernameLength,
		"maxRoomNameLength":    types.MaxRoomNameLength,
		"maxFilenameLength":    types.MaxFilenameLength,
	}
}

// AddWatcher registers a fresh watcher for conn, placing it in roomName under
// a case-insensitively unique username, and announces the join.
func (s *Server) AddWatcher(conn types.Connector, username, roomName string) *Watcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomName = types.TruncateText(roomName, types.MaxRoomNameLength)
	username = s.rooms.FindFreeUsername(username)
	w := newWatcher(s, conn, username)
	logging.Info(context.Background(), "Watcher joined",
		zap.String("username", username), zap.String("room", roomName), zap.String("conn_id", conn.ID()))
	s.setWatcherRoomLocked(w, roomName, true)
	return w
}

// SetWatcherRoom moves w into roomName and announces the switch.
func (s *Server) SetWatcherRoom(w *Watcher, roomName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setWatcherRoomLocked(w, roomName, false)
}

func (s *Server) setWatcherRoomLocked(w *Watcher, roomName string, asJoin bool) {
	roomName = types.TruncateText(roomName, types.MaxRoomNameLength)
	s.rooms.MoveWatcher(w, roomName)
	if asJoin {
		s.sendJoinMessageLocked(w)
	} else {
		s.sendRoomSwitchMessageLocked(w)
	}

	room := w.room
	setByName := ""
	if room.SetBy() != nil {
		setByName = room.SetBy().Name()
	}
	w.conn.SendPlaylistChange(setByName, room.Playlist())
	w.conn.SendPlaylistIndex(setByName, room.PlaylistIndex())
	if auth.IsControlledRoom(roomName) {
		for _, controller := range room.Controllers() {
			w.conn.SendControlledRoomAuthStatus(true, controller.Name(), roomName)
		}
	}
}

func (s *Server) sendJoinMessageLocked(w *Watcher) {
	event := map[string]any{
		"joined":   true,
		"version":  w.conn.Version(),
		"features": w.conn.Features(),
	}
	s.rooms.Broadcast(w, func(rw *Watcher) {
		if rw != w {
			rw.conn.SendUserSetting(w.name, w.room.Name(), nil, event)
		}
	})
	s.rooms.BroadcastRoom(w, func(rw *Watcher) {
		rw.conn.SendSetReady(w.name, w.IsReady(), false)
	})
}

func (s *Server) sendRoomSwitchMessageLocked(w *Watcher) {
	s.rooms.Broadcast(w, func(rw *Watcher) {
		rw.conn.SendUserSetting(w.name, w.room.Name(), nil, nil)
	})
	s.rooms.BroadcastRoom(w, func(rw *Watcher) {
		rw.conn.SendSetReady(w.name, w.IsReady(), false)
	})
}

func (s *Server) sendLeftMessageLocked(w *Watcher) {
	s.rooms.Broadcast(w, func(rw *Watcher) {
		rw.conn.SendUserSetting(w.name, w.room.Name(), nil, map[string]any{"left": true})
	})
}

// RemoveWatcher detaches w from the server, announcing the departure. Safe to
// call more than once; the second call is a no-op.
func (s *Server) RemoveWatcher(w *Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeWatcherLocked(w)
}

func (s *Server) removeWatcherLocked(w *Watcher) {
	if w == nil {
		return
	}
	w.stopPump()
	if w.room == nil {
		return
	}
	logging.Info(context.Background(), "Watcher left",
		zap.String("username", w.name), zap.String("room", w.room.Name()))
	s.sendLeftMessageLocked(w)
	s.rooms.RemoveWatcher(w)
}

// SetWatcherFile records w's current media file and announces it.
func (s *Server) SetWatcherFile(w *Watcher, file types.FileInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.setFile(file)
}

func (s *Server) sendFileUpdateLocked(w *Watcher) {
	if w.File() == nil || w.room == nil {
		return
	}
	s.rooms.Broadcast(w, func(rw *Watcher) {
		rw.conn.SendUserSetting(w.name, w.room.Name(), w.File(), nil)
	})
}

// SendStateToWatcher emits the room's current state to w; the per-watcher
// pump drives this once a second.
func (s *Server) SendStateToWatcher(w *Watcher, doSeek, forced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendStateLocked(w, doSeek, forced)
}

func (s *Server) sendStateLocked(w *Watcher, doSeek, forced bool) {
	room := w.room
	if room == nil {
		return
	}
	paused, position := room.IsPaused(), room.GetPosition()
	w.sendState(position, paused, doSeek, room.SetBy(), forced)
}

// UpdateWatcherState folds a client State report into the engine.
func (s *Server) UpdateWatcherState(w *Watcher, position *float64, paused *bool, doSeek bool, messageAge float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.updateState(position, paused, doSeek, messageAge)
}

// forcePositionUpdateLocked propagates a seek or pause flip. Controllers set
// the room cursor and trigger a forced broadcast; non-controllers get the
// authoritative state re-echoed instead.
func (s *Server) forcePositionUpdateLocked(w *Watcher, doSeek bool, watcherPaused *bool) {
	room := w.room
	if room == nil {
		return
	}
	if room.CanControl(w) {
		paused := room.IsPaused()
		position := 0.0
		if p := w.GetPosition(); p != nil {
			position = *p
		}
		room.SetPosition(position, w)
		s.rooms.BroadcastRoom(w, func(rw *Watcher) {
			rw.sendState(position, paused, doSeek, w, true)
		})
		return
	}
	// Echo the offender's own paused state first for pre-1.3 clients, then
	// the authoritative room state.
	echoPaused := room.IsPaused()
	if watcherPaused != nil {
		echoPaused = *watcherPaused
	}
	w.sendState(room.GetPosition(), echoPaused, true, w, true)
	w.sendState(room.GetPosition(), room.IsPaused(), true, room.SetBy(), true)
}

// AuthRoomController handles a controllerAuth request. A malformed password
// fails regardless of the room; a well-formed password against an
// uncontrolled room name derives the controlled room name for the client to
// join.
func (s *Server) AuthRoomController(w *Watcher, password, roomBaseName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := w.room
	if room == nil {
		return
	}
	roomName := roomBaseName
	if roomName == "" {
		roomName = room.Name()
	}

	success, err := auth.CheckRoomPassword(roomName, password, s.salt)
	switch {
	case err == nil:
		if success {
			room.addController(w)
			logging.Info(context.Background(), "Controller authenticated",
				zap.String("username", w.name), zap.String("room", room.Name()))
		}
		s.rooms.Broadcast(w, func(rw *Watcher) {
			rw.conn.SendControlledRoomAuthStatus(success, w.name, room.Name())
		})
	case err == auth.ErrNotControlledRoom:
		newName := auth.ControlledRoomName(roomName, password, s.salt)
		w.conn.SendNewControlledRoom(newName, password)
	case err == auth.ErrInvalidPassword:
		s.rooms.BroadcastRoom(w, func(rw *Watcher) {
			rw.conn.SendControlledRoomAuthStatus(false, w.name, room.Name())
		})
	}
}

// SendChat fans a chat message out to the sender's room. Delivery to clients
// that predate chat support is suppressed by the connector.
func (s *Server) SendChat(w *Watcher, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message = types.TruncateText(message, s.maxChatMessageLength)
	s.rooms.BroadcastRoom(w, func(rw *Watcher) {
		rw.conn.SendChatMessage(w.name, message)
	})
}

// SetReady records w's readiness and fans it out to the room.
func (s *Server) SetReady(w *Watcher, isReady *bool, manuallyInitiated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.ready = isReady
	s.rooms.BroadcastRoom(w, func(rw *Watcher) {
		rw.conn.SendSetReady(w.name, w.IsReady(), manuallyInitiated)
	})
}

// SetPlaylist installs a shared playlist when w may control the room and the
// playlist fits the limits; otherwise the current playlist is echoed back to
// w alone.
func (s *Server) SetPlaylist(w *Watcher, files []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := w.room
	if room == nil {
		return
	}
	if room.CanControl(w) && types.PlaylistIsValid(files) {
		room.SetPlaylist(files, w)
		s.rooms.BroadcastRoom(w, func(rw *Watcher) {
			rw.conn.SendPlaylistChange(w.name, files)
		})
	} else {
		w.conn.SendPlaylistChange(room.Name(), room.Playlist())
		w.conn.SendPlaylistIndex(room.Name(), room.PlaylistIndex())
	}
}

// SetPlaylistIndex moves the shared playlist cursor, subject to the same
// control check as SetPlaylist.
func (s *Server) SetPlaylistIndex(w *Watcher, index *int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := w.room
	if room == nil {
		return
	}
	if room.CanControl(w) {
		room.SetPlaylistIndex(index, w)
		s.rooms.BroadcastRoom(w, func(rw *Watcher) {
			rw.conn.SendPlaylistIndex(w.name, index)
		})
	} else {
		w.conn.SendPlaylistIndex(room.Name(), room.PlaylistIndex())
	}
}

// SendList replies to a List request with the users visible to w.
func (s *Server) SendList(w *Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userList := make(map[string]map[string]types.UserListEntry)
	for _, rw := range s.rooms.WatchersForUser(w) {
		room := rw.room
		if room == nil {
			continue
		}
		if _, ok := userList[room.Name()]; !ok {
			userList[room.Name()] = make(map[string]types.UserListEntry)
		}
		file := rw.File()
		if file == nil {
			file = types.FileInfo{}
		}
		userList[room.Name()][rw.name] = types.UserListEntry{
			Position:   0,
			File:       file,
			Controller: rw.IsController(),
			IsReady:    rw.IsReady(),
			Features:   rw.conn.Features(),
		}
	}
	w.conn.SendList(userList)
}

// WatcherVersions snapshots the client versions of every connected watcher
// for the stats collaborator.
func (s *Server) WatcherVersions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var versions []string
	for _, room := range s.rooms.ExportRooms() {
		for _, w := range room.Watchers() {
			versions = append(versions, w.conn.Version())
		}
	}
	return versions
}

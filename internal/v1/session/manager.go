package session

import (
	"strings"

	"github.com/cinesync/cinesync/internal/v1/auth"
	"github.com/cinesync/cinesync/internal/v1/metrics"
	"github.com/cinesync/cinesync/internal/v1/types"
)

// Manager is the global room index. All methods assume the server lock is
// held; broadcasts iterate watcher snapshots taken at call time.
type Manager interface {
	// BroadcastRoom applies fn to every watcher in the sender's room.
	BroadcastRoom(sender *Watcher, fn func(*Watcher))
	// Broadcast applies fn to every watcher on the server.
	Broadcast(sender *Watcher, fn func(*Watcher))
	// WatchersForUser lists the watchers visible to the sender.
	WatchersForUser(sender *Watcher) []*Watcher
	// MoveWatcher removes w from its room and inserts it into roomName,
	// creating the room as needed.
	MoveWatcher(w *Watcher, roomName string)
	// RemoveWatcher detaches w from its room, deleting the room when empty.
	RemoveWatcher(w *Watcher)
	// FindFreeUsername returns username, truncated and underscored until it
	// is case-insensitively unique across the server.
	FindFreeUsername(username string) string
	// ExportRooms snapshots the room index for the stats collaborator.
	ExportRooms() map[string]*Room
}

// RoomManager is the default manager: presence broadcasts reach every room.
type RoomManager struct {
	rooms map[string]*Room
}

func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[string]*Room)}
}

func (m *RoomManager) BroadcastRoom(sender *Watcher, fn func(*Watcher)) {
	room := sender.room
	if room == nil || m.rooms[room.name] != room {
		return
	}
	for _, w := range room.Watchers() {
		fn(w)
	}
}

func (m *RoomManager) Broadcast(sender *Watcher, fn func(*Watcher)) {
	for _, room := range m.rooms {
		for _, w := range room.Watchers() {
			fn(w)
		}
	}
}

func (m *RoomManager) WatchersForUser(sender *Watcher) []*Watcher {
	var watchers []*Watcher
	for _, room := range m.rooms {
		watchers = append(watchers, room.Watchers()...)
	}
	return watchers
}

func (m *RoomManager) MoveWatcher(w *Watcher, roomName string) {
	roomName = types.TruncateText(roomName, types.MaxRoomNameLength)
	m.RemoveWatcher(w)
	room := m.getRoom(roomName)
	room.addWatcher(w)
	metrics.RoomWatchers.WithLabelValues(room.name).Set(float64(len(room.watchers)))
}

func (m *RoomManager) RemoveWatcher(w *Watcher) {
	oldRoom := w.room
	if oldRoom == nil {
		return
	}
	oldRoom.removeWatcher(w)
	metrics.RoomWatchers.WithLabelValues(oldRoom.name).Set(float64(len(oldRoom.watchers)))
	m.deleteRoomIfEmpty(oldRoom)
}

func (m *RoomManager) getRoom(roomName string) *Room {
	if room, ok := m.rooms[roomName]; ok {
		return room
	}
	var room *Room
	if auth.IsControlledRoom(roomName) {
		room = newControlledRoom(roomName)
	} else {
		room = newRoom(roomName)
	}
	m.rooms[roomName] = room
	metrics.ActiveRooms.Inc()
	return room
}

func (m *RoomManager) deleteRoomIfEmpty(room *Room) {
	if room.IsEmpty() && m.rooms[room.name] == room {
		delete(m.rooms, room.name)
		metrics.ActiveRooms.Dec()
		metrics.RoomWatchers.DeleteLabelValues(room.name)
	}
}

func (m *RoomManager) FindFreeUsername(username string) string {
	username = types.TruncateText(username, types.MaxUsernameLength)
	taken := make(map[string]struct{})
	for _, room := range m.rooms {
		for _, w := range room.Watchers() {
			taken[strings.ToLower(w.name)] = struct{}{}
		}
	}
	for {
		if _, ok := taken[strings.ToLower(username)]; !ok {
			return username
		}
		username += "_"
	}
}

func (m *RoomManager) ExportRooms() map[string]*Room {
	out := make(map[string]*Room, len(m.rooms))
	for name, room := range m.rooms {
		out[name] = room
	}
	return out
}

// PublicRoomManager isolates rooms from each other: presence broadcasts stay
// room-local and user listings only cover the caller's room.
type PublicRoomManager struct {
	RoomManager
}

func NewPublicRoomManager() *PublicRoomManager {
	return &PublicRoomManager{RoomManager{rooms: make(map[string]*Room)}}
}

func (m *PublicRoomManager) Broadcast(sender *Watcher, fn func(*Watcher)) {
	m.BroadcastRoom(sender, fn)
}

func (m *PublicRoomManager) WatchersForUser(sender *Watcher) []*Watcher {
	if sender.room == nil {
		return nil
	}
	return sender.room.Watchers()
}

func (m *PublicRoomManager) MoveWatcher(w *Watcher, roomName string) {
	oldRoom := w.room
	m.Broadcast(w, func(rw *Watcher) {
		rw.conn.SendUserSetting(w.name, oldRoom.Name(), nil, map[string]any{"left": true})
	})
	m.RoomManager.MoveWatcher(w, roomName)
	// Re-announce the file so the new room learns it without a List.
	w.setFile(w.File())
}

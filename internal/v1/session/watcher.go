package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/types"
)

// Watcher is one authenticated client participating in a room. The server
// lock guards all of its fields; the state pump goroutine only ever touches
// them through locked Server entry points.
type Watcher struct {
	server        *Server
	conn          types.Connector
	name          string
	room          *Room
	file          types.FileInfo
	position      *float64
	ready         *bool
	lastUpdatedOn float64

	pumpStop chan struct{}
	pumpOnce sync.Once
}

func newWatcher(server *Server, conn types.Connector, name string) *Watcher {
	w := &Watcher{
		server:        server,
		conn:          conn,
		name:          name,
		lastUpdatedOn: nowSeconds(),
		pumpStop:      make(chan struct{}),
	}
	go w.statePump()
	return w
}

// statePump drives outbound State frames at a fixed cadence even when no
// inbound traffic occurs.
func (w *Watcher) statePump() {
	ticker := time.NewTicker(types.ServerStateIntervalSeconds * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.pumpStop:
			return
		case <-ticker.C:
			w.server.SendStateToWatcher(w, false, false)
		}
	}
}

func (w *Watcher) stopPump() {
	w.pumpOnce.Do(func() { close(w.pumpStop) })
}

func (w *Watcher) Name() string { return w.name }

func (w *Watcher) Room() *Room { return w.room }

// setRoom installs the back-reference. Entering a room immediately pushes a
// forced State so the newcomer snaps to the room's cursor.
func (w *Watcher) setRoom(room *Room) {
	w.room = room
	if room != nil {
		w.server.sendStateLocked(w, true, true)
	}
}

// setFile stores the watcher's media file (name truncated) and announces it.
func (w *Watcher) setFile(file types.FileInfo) {
	if file != nil {
		if name, ok := file["name"].(string); ok {
			file["name"] = types.TruncateText(name, types.MaxFilenameLength)
		}
	}
	w.file = file
	w.server.sendFileUpdateLocked(w)
}

func (w *Watcher) File() types.FileInfo { return w.file }

func (w *Watcher) setPosition(position float64) {
	w.position = &position
}

// GetPosition returns the reported position advanced by wall-clock time while
// the room is playing, or nil when the watcher never reported one.
func (w *Watcher) GetPosition() *float64 {
	if w.position == nil {
		return nil
	}
	pos := *w.position
	if w.room != nil && w.room.IsPlaying() {
		pos += nowSeconds() - w.lastUpdatedOn
	}
	return &pos
}

// IsReady returns the watcher's tri-state readiness; always nil when the
// server disables readiness.
func (w *Watcher) IsReady() *bool {
	if w.server.disableReady {
		return nil
	}
	return w.ready
}

// IsController reports whether the watcher controls its (controlled) room.
func (w *Watcher) IsController() bool {
	return w.room != nil && w.room.IsControlled() && w.room.CanControl(w)
}

// sendState emits one State frame and enforces the protocol timeout: a
// watcher that has not reported for ProtocolTimeoutSeconds is dropped.
func (w *Watcher) sendState(position float64, paused bool, doSeek bool, setBy *Watcher, forced bool) {
	if w.conn.IsLogged() {
		setByName := ""
		if setBy != nil {
			setByName = setBy.name
		}
		w.conn.SendState(position, paused, doSeek, setByName, forced)
	}
	if nowSeconds()-w.lastUpdatedOn > types.ProtocolTimeoutSeconds {
		logging.Info(context.Background(), "Dropping unresponsive watcher",
			zap.String("username", w.name))
		w.server.removeWatcherLocked(w)
		w.conn.Drop()
	}
}

func (w *Watcher) hasPauseChanged(paused *bool) bool {
	if paused == nil || w.room == nil {
		return false
	}
	return *paused != w.room.IsPaused()
}

// updateState folds a client State report into the watcher and its room.
// The reported position is advanced by the measured forward delay while
// playing; seeks and pause flips force a room-wide position update.
func (w *Watcher) updateState(position *float64, paused *bool, doSeek bool, messageAge float64) {
	pauseChanged := w.hasPauseChanged(paused)
	w.lastUpdatedOn = nowSeconds()
	if pauseChanged {
		w.room.SetPaused(*paused, w)
	}
	if position != nil {
		pos := *position
		if paused == nil || !*paused {
			pos += messageAge
		}
		w.setPosition(pos)
	}
	if doSeek || pauseChanged {
		w.server.forcePositionUpdateLocked(w, doSeek, paused)
	}
}

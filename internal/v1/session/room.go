package session

import (
	"time"

	"github.com/cinesync/cinesync/internal/v1/types"
)

// Play states of a room's shared cursor.
const (
	statePaused = iota
	statePlaying
)

// nowSeconds returns wall-clock time as float seconds. Only differences are
// ever computed from it, so coarse granularity is fine.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Room is a named synchronization group with a single authoritative playback
// cursor. A controlled room additionally carries a controller set; only
// controllers may mutate its shared state. All methods assume the server
// lock is held.
type Room struct {
	name          string
	watchers      map[string]*Watcher
	controllers   map[string]*Watcher // nil for uncontrolled rooms
	playState     int
	setBy         *Watcher
	playlist      []string
	playlistIndex *int
	position      float64
	lastUpdate    float64
}

func newRoom(name string) *Room {
	return &Room{
		name:       name,
		watchers:   make(map[string]*Watcher),
		playState:  statePaused,
		playlist:   []string{},
		lastUpdate: nowSeconds(),
	}
}

func newControlledRoom(name string) *Room {
	r := newRoom(name)
	r.controllers = make(map[string]*Watcher)
	return r
}

func (r *Room) Name() string { return r.name }

// IsControlled reports whether this room carries a controller set.
func (r *Room) IsControlled() bool { return r.controllers != nil }

// GetPosition reconciles and returns the room's playback position. When the
// last reconciliation is older than a second and an eligible reference
// watcher exists (controllers only, for controlled rooms), the smallest
// reported position is adopted; otherwise the stored position is
// extrapolated by wall-clock age while playing.
func (r *Room) GetPosition() float64 {
	age := nowSeconds() - r.lastUpdate
	reference := r.watchers
	if r.IsControlled() {
		reference = r.controllers
	}
	if len(reference) > 0 && age > 1 {
		if w := minWatcher(reference); w != nil {
			r.setBy = w
			r.position = *w.GetPosition()
			r.lastUpdate = nowSeconds()
			return r.position
		}
	}
	pos := r.position
	if r.playState == statePlaying {
		pos += age
	}
	return pos
}

// minWatcher elects the eligible watcher with the smallest position.
// Watchers with no file or no reported position are never elected.
func minWatcher(watchers map[string]*Watcher) *Watcher {
	var best *Watcher
	var bestPos float64
	for _, w := range watchers {
		p := w.GetPosition()
		if p == nil || w.file == nil {
			continue
		}
		if best == nil || *p < bestPos || (*p == bestPos && w.name < best.name) {
			best = w
			bestPos = *p
		}
	}
	return best
}

func (r *Room) SetPaused(paused bool, setBy *Watcher) {
	if r.IsControlled() && !r.CanControl(setBy) {
		return
	}
	if paused {
		r.playState = statePaused
	} else {
		r.playState = statePlaying
	}
	r.setBy = setBy
}

func (r *Room) SetPosition(position float64, setBy *Watcher) {
	if r.IsControlled() && !r.CanControl(setBy) {
		return
	}
	r.position = position
	for _, w := range r.watchers {
		w.setPosition(position)
	}
	r.setBy = setBy
}

func (r *Room) IsPlaying() bool { return r.playState == statePlaying }
func (r *Room) IsPaused() bool  { return r.playState == statePaused }

// Watchers returns a snapshot of the room's watcher set. Broadcasts iterate
// this snapshot, so watchers joining mid-broadcast do not receive that round.
func (r *Room) Watchers() []*Watcher {
	out := make([]*Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		out = append(out, w)
	}
	return out
}

func (r *Room) addWatcher(w *Watcher) {
	if len(r.watchers) > 0 {
		pos := r.GetPosition()
		w.setPosition(pos)
	}
	r.watchers[w.name] = w
	w.setRoom(r)
}

func (r *Room) removeWatcher(w *Watcher) {
	if _, ok := r.watchers[w.name]; !ok {
		return
	}
	delete(r.watchers, w.name)
	if r.controllers != nil {
		delete(r.controllers, w.name)
	}
	w.setRoom(nil)
	if len(r.watchers) == 0 {
		r.position = 0
	}
}

func (r *Room) IsEmpty() bool { return len(r.watchers) == 0 }

// SetBy returns the watcher whose report the cursor was last taken from.
func (r *Room) SetBy() *Watcher { return r.setBy }

// CanControl reports whether w may mutate the room's shared state.
func (r *Room) CanControl(w *Watcher) bool {
	if !r.IsControlled() {
		return true
	}
	if w == nil {
		return false
	}
	_, ok := r.controllers[w.name]
	return ok
}

func (r *Room) Playlist() []string { return r.playlist }

func (r *Room) SetPlaylist(files []string, setBy *Watcher) {
	if r.IsControlled() && (!r.CanControl(setBy) || !types.PlaylistIsValid(files)) {
		return
	}
	r.playlist = files
}

func (r *Room) PlaylistIndex() *int { return r.playlistIndex }

func (r *Room) SetPlaylistIndex(index *int, setBy *Watcher) {
	if r.IsControlled() && !r.CanControl(setBy) {
		return
	}
	r.playlistIndex = index
}

func (r *Room) addController(w *Watcher) {
	if r.controllers != nil {
		r.controllers[w.name] = w
	}
}

// Controllers returns a snapshot of the controller set.
func (r *Room) Controllers() []*Watcher {
	out := make([]*Watcher, 0, len(r.controllers))
	for _, w := range r.controllers {
		out = append(out, w)
	}
	return out
}

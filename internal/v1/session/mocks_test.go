package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/cinesync/cinesync/internal/v1/types"
)

type sentState struct {
	position float64
	paused   bool
	doSeek   bool
	setBy    string
	forced   bool
}

type sentUserSetting struct {
	username string
	roomName string
	file     types.FileInfo
	event    map[string]any
}

type sentAuthStatus struct {
	success  bool
	username string
	roomName string
}

type sentReady struct {
	username          string
	isReady           *bool
	manuallyInitiated bool
}

type sentPlaylist struct {
	username string
	files    []string
}

type sentIndex struct {
	username string
	index    *int
}

type sentChat struct {
	username string
	message  string
}

// mockConn records everything the engine sends so tests can assert on the
// outbound traffic without a real transport.
type mockConn struct {
	mu       sync.Mutex
	id       string
	version  string
	features map[string]any
	logged   bool
	dropped  bool

	states          []sentState
	userSettings    []sentUserSetting
	controlledRooms [][2]string
	authStatuses    []sentAuthStatus
	chats           []sentChat
	readies         []sentReady
	playlists       []sentPlaylist
	indexes         []sentIndex
	lists           []map[string]map[string]types.UserListEntry
}

func newMockConn(version string) *mockConn {
	return &mockConn{
		id:      uuid.NewString(),
		version: version,
		logged:  true,
	}
}

func (m *mockConn) ID() string     { return m.id }
func (m *mockConn) PeerIP() string { return "127.0.0.1" }

func (m *mockConn) Version() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

func (m *mockConn) Features() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.features
}

func (m *mockConn) SetFeatures(features map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = features
}

func (m *mockConn) MeetsMinVersion(minVersion string) bool {
	return types.MeetsMinVersion(m.Version(), minVersion)
}

func (m *mockConn) IsLogged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logged
}

func (m *mockConn) SendState(position float64, paused bool, doSeek bool, setBy string, forced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, sentState{position, paused, doSeek, setBy, forced})
}

func (m *mockConn) SendUserSetting(username, roomName string, file types.FileInfo, event map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userSettings = append(m.userSettings, sentUserSetting{username, roomName, file, event})
}

func (m *mockConn) SendNewControlledRoom(roomName, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controlledRooms = append(m.controlledRooms, [2]string{roomName, password})
}

func (m *mockConn) SendControlledRoomAuthStatus(success bool, username, roomName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authStatuses = append(m.authStatuses, sentAuthStatus{success, username, roomName})
}

func (m *mockConn) SendChatMessage(username, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = append(m.chats, sentChat{username, message})
}

func (m *mockConn) SendSetReady(username string, isReady *bool, manuallyInitiated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readies = append(m.readies, sentReady{username, isReady, manuallyInitiated})
}

func (m *mockConn) SendPlaylistChange(username string, files []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playlists = append(m.playlists, sentPlaylist{username, files})
}

func (m *mockConn) SendPlaylistIndex(username string, index *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexes = append(m.indexes, sentIndex{username, index})
}

func (m *mockConn) SendList(userList map[string]map[string]types.UserListEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists = append(m.lists, userList)
}

func (m *mockConn) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = true
}

func (m *mockConn) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = nil
	m.userSettings = nil
	m.controlledRooms = nil
	m.authStatuses = nil
	m.chats = nil
	m.readies = nil
	m.playlists = nil
	m.indexes = nil
	m.lists = nil
}

func (m *mockConn) lastState() sentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[len(m.states)-1]
}

func (m *mockConn) stateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

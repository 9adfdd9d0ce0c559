// Package types holds the protocol constants, wire payload shapes and shared
// interfaces of the sync server. Keeping these here lets the sync package
// coordinate watchers without depending on the transport package.
package types

import (
	"github.com/Masterminds/semver/v3"
)

// Version is the server protocol version advertised as "realversion" in the
// Hello reply.
const Version = "1.7.3"

// DefaultPort is the TCP port the sync protocol listens on.
const DefaultPort = 8999

// Wire-protocol limits and cadences.
const (
	ProtocolTimeoutSeconds     = 12.5 // drop a connection with no State for this long
	ServerStateIntervalSeconds = 1    // per-watcher State pump cadence
	StatsSnapshotInterval      = 3600 // seconds between stats snapshots

	PlaylistMaxCharacters = 10000
	PlaylistMaxItems      = 250

	MaxChatMessageLength = 150 // displayed characters
	MaxUsernameLength    = 150 // displayed characters
	MaxRoomNameLength    = 35  // displayed characters
	MaxFilenameLength    = 250 // displayed characters

	ServerMaxTemplateLength = 10000
)

// Minimum client versions for feature gating.
const (
	ControlledRoomsMinVersion = "1.3.0"
	UserReadyMinVersion       = "1.3.0"
	SharedPlaylistMinVersion  = "1.4.0"
	ChatMinVersion            = "1.5.0"
	FeatureListMinVersion     = "1.5.0"

	// RecentClientThreshold and higher are considered recent clients and get
	// no upgrade warning in the MOTD.
	RecentClientThreshold = "1.6.5"
)

// PingMovingAverageWeight is the weight of the previous average when folding
// in a new RTT sample.
const PingMovingAverageWeight = 0.85

// TLSCertRotationMaxRetries caps consecutive certificate reload attempts.
const TLSCertRotationMaxRetries = 10

// FileInfo is the watcher's current media file. Clients may hash the name or
// size for privacy, so values are kept loosely typed; only "name" is
// interpreted (and truncated) by the server.
type FileInfo = map[string]any

// Connector is the protocol-side view of a client connection. The sync
// package drives all outbound traffic through it; the transport package
// implements it on top of the line-JSON framing.
type Connector interface {
	ID() string
	PeerIP() string
	Version() string
	Features() map[string]any
	SetFeatures(map[string]any)
	MeetsMinVersion(minVersion string) bool
	IsLogged() bool

	SendState(position float64, paused bool, doSeek bool, setBy string, forced bool)
	SendUserSetting(username, roomName string, file FileInfo, event map[string]any)
	SendNewControlledRoom(roomName, password string)
	SendControlledRoomAuthStatus(success bool, username, roomName string)
	SendChatMessage(username, message string)
	SendSetReady(username string, isReady *bool, manuallyInitiated bool)
	SendPlaylistChange(username string, files []string)
	SendPlaylistIndex(username string, index *int)
	SendList(userList map[string]map[string]UserListEntry)

	Drop()
}

// UserListEntry is one user's row in a List reply.
type UserListEntry struct {
	Position   float64        `json:"position"`
	File       FileInfo       `json:"file"`
	Controller bool           `json:"controller"`
	IsReady    *bool          `json:"isReady"`
	Features   map[string]any `json:"features"`
}

// TruncateText limits s to maxLength displayed characters.
func TruncateText(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	return string(runes[:maxLength])
}

// MeetsMinVersion reports whether the dotted version string is at least
// minVersion. Unparsable versions never meet the minimum.
func MeetsMinVersion(version, minVersion string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	min, err := semver.NewVersion(minVersion)
	if err != nil {
		return false
	}
	return !v.LessThan(min)
}

// PlaylistIsValid enforces the playlist size limits.
func PlaylistIsValid(files []string) bool {
	if len(files) > PlaylistMaxItems {
		return false
	}
	total := 0
	for _, f := range files {
		total += len([]rune(f))
	}
	return total <= PlaylistMaxCharacters
}

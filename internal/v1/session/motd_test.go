package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinesync/cinesync/internal/v1/messages"
	"github.com/cinesync/cinesync/internal/v1/types"
)

func writeMotd(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "motd.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMotd_SubstitutesPlaceholders(t *testing.T) {
	path := writeMotd(t, "Welcome $username to $room (server $version, you are $userIp)")
	s := NewServer(Config{MotdFilePath: path})

	motd := s.Motd("10.0.0.1", "ann", "movies", types.Version)

	assert.Equal(t, "Welcome ann to movies (server "+types.Version+", you are 10.0.0.1)", motd)
}

func TestMotd_BracedPlaceholderAndEscape(t *testing.T) {
	path := writeMotd(t, "${username} paid $$5")
	s := NewServer(Config{MotdFilePath: path})

	assert.Equal(t, "ann paid $5", s.Motd("10.0.0.1", "ann", "movies", types.Version))
}

func TestMotd_UnknownPlaceholderYieldsCannedMessage(t *testing.T) {
	path := writeMotd(t, "hello $nosuchthing")
	s := NewServer(Config{MotdFilePath: path})

	motd := s.Motd("10.0.0.1", "ann", "movies", types.Version)

	assert.Equal(t, messages.Get("server-messed-up-motd-unescaped-placeholders"), motd)
}

func TestMotd_DanglingDollarYieldsCannedMessage(t *testing.T) {
	path := writeMotd(t, "price: 5$")
	s := NewServer(Config{MotdFilePath: path})

	motd := s.Motd("10.0.0.1", "ann", "movies", types.Version)

	assert.Equal(t, messages.Get("server-messed-up-motd-unescaped-placeholders"), motd)
}

func TestMotd_OverflowYieldsCannedMessage(t *testing.T) {
	// The limit is exclusive: exactly ServerMaxTemplateLength bytes is
	// already too long, one byte less is fine.
	path := writeMotd(t, strings.Repeat("x", types.ServerMaxTemplateLength))
	s := NewServer(Config{MotdFilePath: path})

	motd := s.Motd("10.0.0.1", "ann", "movies", types.Version)
	assert.Contains(t, motd, "MOTD could not be displayed")
	assert.Contains(t, motd, "maximum length")

	path = writeMotd(t, strings.Repeat("x", types.ServerMaxTemplateLength-1))
	s = NewServer(Config{MotdFilePath: path})
	assert.Equal(t, strings.Repeat("x", types.ServerMaxTemplateLength-1),
		s.Motd("10.0.0.1", "ann", "movies", types.Version))
}

func TestMotd_OverflowCountsOldClientNotice(t *testing.T) {
	// Just under the limit on its own, pushed over by the upgrade notice.
	path := writeMotd(t, strings.Repeat("x", types.ServerMaxTemplateLength-10))
	s := NewServer(Config{MotdFilePath: path})

	require.NotContains(t, s.Motd("10.0.0.1", "ann", "movies", types.Version), "maximum length")

	motd := s.Motd("10.0.0.1", "ann", "movies", "1.2.0")
	assert.Contains(t, motd, "MOTD could not be displayed")
	assert.Contains(t, motd, "maximum length")
}

func TestMotd_OldClientGetsUpgradeNotice(t *testing.T) {
	s := NewServer(Config{})

	motd := s.Motd("10.0.0.1", "ann", "movies", "1.6.4")
	assert.Contains(t, motd, "old version")

	path := writeMotd(t, "the film starts at nine")
	s = NewServer(Config{MotdFilePath: path})
	motd = s.Motd("10.0.0.1", "ann", "movies", "1.2.0")
	assert.Contains(t, motd, "old version")
	assert.Contains(t, motd, "the film starts at nine")
}

func TestMotd_RecentClientNoFileIsEmpty(t *testing.T) {
	s := NewServer(Config{})
	assert.Empty(t, s.Motd("10.0.0.1", "ann", "movies", types.Version))
}

func TestMotd_UnreadableFileIsEmpty(t *testing.T) {
	s := NewServer(Config{MotdFilePath: filepath.Join(t.TempDir(), "missing.txt")})
	assert.Empty(t, s.Motd("10.0.0.1", "ann", "movies", types.Version))
}

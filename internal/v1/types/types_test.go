package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "abc", TruncateText("abc", 10))
	assert.Equal(t, "abc", TruncateText("abcdef", 3))
	assert.Equal(t, "", TruncateText("", 5))

	// Multi-byte characters count as one each
	assert.Equal(t, "日本語", TruncateText("日本語のテキスト", 3))
}

func TestMeetsMinVersion(t *testing.T) {
	assert.True(t, MeetsMinVersion("1.5.0", "1.5.0"))
	assert.True(t, MeetsMinVersion("1.7.3", "1.5.0"))
	assert.True(t, MeetsMinVersion("2.0.0", "1.6.5"))
	assert.False(t, MeetsMinVersion("1.4.9", "1.5.0"))
	assert.False(t, MeetsMinVersion("1.2.7", ChatMinVersion))

	// Unparsable versions never meet the minimum
	assert.False(t, MeetsMinVersion("garbage", "1.5.0"))
	assert.False(t, MeetsMinVersion("", "1.5.0"))
}

func TestPlaylistIsValid(t *testing.T) {
	assert.True(t, PlaylistIsValid(nil))
	assert.True(t, PlaylistIsValid([]string{"a.mkv", "b.mkv"}))

	tooMany := make([]string, PlaylistMaxItems+1)
	assert.False(t, PlaylistIsValid(tooMany))

	atLimit := make([]string, PlaylistMaxItems)
	assert.True(t, PlaylistIsValid(atLimit))

	assert.False(t, PlaylistIsValid([]string{strings.Repeat("x", PlaylistMaxCharacters+1)}))
	assert.True(t, PlaylistIsValid([]string{strings.Repeat("x", PlaylistMaxCharacters)}))

	// Character count, not byte count
	assert.True(t, PlaylistIsValid([]string{strings.Repeat("й", PlaylistMaxCharacters)}))
}

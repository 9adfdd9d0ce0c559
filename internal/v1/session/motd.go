package session

import (
	"context"
	"os"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/messages"
	"github.com/cinesync/cinesync/internal/v1/types"
)

// Motd renders the message of the day for one client. The template file may
// reference $version, $userIp, $username and $room; "$$" renders a literal
// dollar sign. Clients older than the warning threshold get an upgrade notice
// prepended whether or not a template is configured.
func (s *Server) Motd(userIP, username, roomName, clientVersion string) string {
	motd := ""
	if s.motdFilePath != "" {
		raw, err := os.ReadFile(s.motdFilePath)
		if err != nil {
			logging.Warn(context.Background(), "MOTD file could not be read",
				zap.String("path", s.motdFilePath), zap.Error(err))
		} else {
			vars := map[string]string{
				"version":  types.Version,
				"userIp":   userIP,
				"username": username,
				"room":     roomName,
			}
			if rendered, ok := expandTemplate(string(raw), vars); ok {
				motd = rendered
			} else {
				motd = messages.Get("server-messed-up-motd-unescaped-placeholders")
			}
		}
	}
	if !types.MeetsMinVersion(clientVersion, types.RecentClientThreshold) {
		notice := messages.Getf("new-syncplay-available-motd-message", clientVersion)
		if motd != "" {
			motd = notice + "\n" + motd
		} else {
			motd = notice
		}
	}
	// The length cap applies to the final message, warning included, and
	// counts bytes.
	if len(motd) >= types.ServerMaxTemplateLength {
		motd = messages.Getf("server-messed-up-motd-too-long", types.ServerMaxTemplateLength, len(motd))
	}
	return motd
}

// expandTemplate substitutes $name and ${name} placeholders. An unknown
// placeholder or a dangling $ makes the whole expansion fail, mirroring how
// template errors surface as a canned message rather than partial output.
func expandTemplate(tmpl string, vars map[string]string) (string, bool) {
	var b strings.Builder
	runes := []rune(tmpl)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '$' {
			b.WriteRune(runes[i])
			continue
		}
		if i+1 >= len(runes) {
			return "", false
		}
		next := runes[i+1]
		switch {
		case next == '$':
			b.WriteRune('$')
			i++
		case next == '{':
			end := -1
			for j := i + 2; j < len(runes); j++ {
				if runes[j] == '}' {
					end = j
					break
				}
			}
			if end < 0 {
				return "", false
			}
			val, ok := vars[string(runes[i+2:end])]
			if !ok {
				return "", false
			}
			b.WriteString(val)
			i = end
		case isIdentRune(next):
			end := i + 1
			for end < len(runes) && isIdentRune(runes[end]) {
				end++
			}
			val, ok := vars[string(runes[i+1:end])]
			if !ok {
				return "", false
			}
			b.WriteString(val)
			i = end - 1
		default:
			return "", false
		}
	}
	return b.String(), true
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

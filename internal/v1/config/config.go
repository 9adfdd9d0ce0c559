package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Protocol listener
	Port int

	// Server password (plaintext; the sync core hashes it with MD5 before
	// comparison, matching what clients send)
	Password string

	// Controlled-room salt; generated at startup when empty
	Salt string

	// Behaviour toggles
	IsolateRooms bool
	DisableReady bool
	DisableChat  bool

	// Optional collaborators
	MotdFilePath string
	StatsDBFile  string
	TLSCertPath  string

	// Advertised limits
	MaxChatMessageLength int
	MaxUsernameLength    int

	// Ops plane (metrics + health); empty disables it
	OpsAddr string

	DevelopmentMode bool
}

// Defaults mirrored in the feature advertisement.
const (
	DefaultPort                 = 8999
	DefaultMaxChatMessageLength = 150
	DefaultMaxUsernameLength    = 150
)

// Load reads and validates the server configuration from the environment.
// Returns an error if any variable is present but invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 DefaultPort,
		MaxChatMessageLength: DefaultMaxChatMessageLength,
		MaxUsernameLength:    DefaultMaxUsernameLength,
	}
	var errs []string

	if v := os.Getenv("SYNCPLAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("SYNCPLAY_PORT must be a valid port number between 1 and 65535 (got '%s')", v))
		} else {
			cfg.Port = port
		}
	}

	cfg.Password = os.Getenv("SYNCPLAY_PASSWORD")
	cfg.Salt = os.Getenv("SYNCPLAY_SALT")
	cfg.MotdFilePath = os.Getenv("SYNCPLAY_MOTD_FILE")
	cfg.StatsDBFile = os.Getenv("SYNCPLAY_STATS_DB_FILE")
	cfg.TLSCertPath = os.Getenv("SYNCPLAY_TLS_PATH")
	cfg.OpsAddr = os.Getenv("SYNCPLAY_OPS_ADDR")

	cfg.IsolateRooms = envBool("SYNCPLAY_ISOLATE_ROOMS")
	cfg.DisableReady = envBool("SYNCPLAY_DISABLE_READY")
	cfg.DisableChat = envBool("SYNCPLAY_DISABLE_CHAT")
	cfg.DevelopmentMode = envBool("DEVELOPMENT_MODE")

	if v := os.Getenv("SYNCPLAY_MAX_CHAT_MSG_LEN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("SYNCPLAY_MAX_CHAT_MSG_LEN must be a positive integer (got '%s')", v))
		} else {
			cfg.MaxChatMessageLength = n
		}
	}
	if v := os.Getenv("SYNCPLAY_MAX_UNAME_LEN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("SYNCPLAY_MAX_UNAME_LEN must be a positive integer (got '%s')", v))
		} else {
			cfg.MaxUsernameLength = n
		}
	}

	if cfg.MotdFilePath != "" {
		if _, err := os.Stat(cfg.MotdFilePath); err != nil {
			errs = append(errs, fmt.Sprintf("SYNCPLAY_MOTD_FILE is not readable: %v", err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

func envBool(key string) bool {
	return strings.EqualFold(os.Getenv(key), "true")
}

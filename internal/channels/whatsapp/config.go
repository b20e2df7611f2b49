package whatsapp

import (
	"os"
	"path/filepath"
	"strings"
)

// Config holds the WhatsApp channel settings.
type Config struct {
	// SessionPath is the SQLite file holding the whatsmeow device state.
	SessionPath string `yaml:"session_path"`
}

// DefaultConfig returns the default WhatsApp configuration.
func DefaultConfig() *Config {
	return &Config{
		SessionPath: "~/.courier/session.db",
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

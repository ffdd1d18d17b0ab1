package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard locations for gatekeeper data.
type Paths struct {
	Data string // ~/.local/share/gatekeeper
}

// GetPaths returns the standard locations for gatekeeper data.
func GetPaths() *Paths {
	return &Paths{
		Data: filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "gatekeeper"),
	}
}

// StoragePath returns the default directory of the file store.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

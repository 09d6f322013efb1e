// Package session resolves per-session filesystem layout under ~/.backline.
// Each session holds the private key, the local message cache, logs and the
// exclusivity lock for one messaging identity.
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.backline.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".backline")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// KeyPath returns the PEM file holding the session's RSA private key.
func KeyPath(name string) string {
	return filepath.Join(Dir(name), "key.pem")
}

// CacheDBPath returns the local message/outbox cache path.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the core log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "backline.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

package session

import "github.com/lmartins/backline/internal/config"

const DefaultSessionName = "main"

// Resolve determines the active session name using precedence:
// 1. explicit override from the embedding application
// 2. config.toml default_session
// 3. "main"
func Resolve(override string) string {
	if override != "" {
		return override
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

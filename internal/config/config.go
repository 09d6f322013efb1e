package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.backline/config.toml plus the tuning
// knobs for the connection, crypto and presence layers. Zero values are
// replaced with working defaults by WithDefaults.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// RelayURL is the websocket endpoint of the relay (ws:// or wss://).
	RelayURL string `toml:"relay_url"`
	// DirectoryURL is the base URL of the request/response data API used
	// for key directory lookups and conversation seeding.
	DirectoryURL string `toml:"directory_url"`

	DialTimeout       duration `toml:"dial_timeout"`
	AuthTimeout       duration `toml:"auth_timeout"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	ReadTimeout       duration `toml:"read_timeout"`
	ReconnectBase     duration `toml:"reconnect_base"`
	ReconnectMax      duration `toml:"reconnect_max"`
	StableAfter       duration `toml:"stable_after"`

	CryptoTimeout    duration `toml:"crypto_timeout"`
	DirectoryTimeout duration `toml:"directory_timeout"`

	TypingQuietWindow duration `toml:"typing_quiet_window"`
	TypingTTL         duration `toml:"typing_ttl"`
}

// duration wraps time.Duration for TOML "1m30s" style values.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// WithDefaults returns a copy with every unset knob replaced by its default.
func (c Config) WithDefaults() Config {
	def := func(d *duration, v time.Duration) {
		if d.Duration == 0 {
			d.Duration = v
		}
	}
	def(&c.DialTimeout, 10*time.Second)
	def(&c.AuthTimeout, 10*time.Second)
	def(&c.HeartbeatInterval, 25*time.Second)
	def(&c.ReadTimeout, 60*time.Second)
	def(&c.ReconnectBase, time.Second)
	def(&c.ReconnectMax, 30*time.Second)
	def(&c.StableAfter, 30*time.Second)
	def(&c.CryptoTimeout, 5*time.Second)
	def(&c.DirectoryTimeout, 10*time.Second)
	def(&c.TypingQuietWindow, 3*time.Second)
	def(&c.TypingTTL, 5*time.Second)
	return c
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Package hostcfg loads the daemon configuration from
// ~/.config/termhostd/config.toml (or the runtime-dir override).
package hostcfg

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/renkert/termhostd/internal/logging"
)

const (
	defaultScrollbackMaxBytes = 10 * 1024 * 1024
	defaultCleanupDelayMS     = 5000
	defaultSettleDelayMS      = 300
)

// Config represents config.toml.
type Config struct {
	Daemon  DaemonConfig   `toml:"daemon"`
	Logging logging.Config `toml:"logging"`
}

// DaemonConfig configures session behavior.
type DaemonConfig struct {
	// ScrollbackMaxBytes caps retained output per session.
	ScrollbackMaxBytes int `toml:"scrollback_max_bytes"`
	// CleanupDelayMS is how long an exited session is kept before the
	// attached-client check that may reap it.
	CleanupDelayMS int `toml:"cleanup_delay_ms"`
	// SettleDelayMS is the pause before initial commands are written to a
	// fresh shell, letting profile/rc init finish.
	SettleDelayMS int `toml:"settle_delay_ms"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Daemon: DaemonConfig{
			ScrollbackMaxBytes: defaultScrollbackMaxBytes,
			CleanupDelayMS:     defaultCleanupDelayMS,
			SettleDelayMS:      defaultSettleDelayMS,
		},
	}
}

func (d DaemonConfig) CleanupDelay() time.Duration {
	if d.CleanupDelayMS <= 0 {
		return time.Duration(defaultCleanupDelayMS) * time.Millisecond
	}
	return time.Duration(d.CleanupDelayMS) * time.Millisecond
}

func (d DaemonConfig) SettleDelay() time.Duration {
	if d.SettleDelayMS <= 0 {
		return time.Duration(defaultSettleDelayMS) * time.Millisecond
	}
	return time.Duration(d.SettleDelayMS) * time.Millisecond
}

// DefaultPath returns the default config path.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "termhostd", "config.toml"), nil
}

// Loader caches config values and reloads when the file changes.
type Loader struct {
	path     string
	lastRead fileState
	cached   Config
}

type fileState struct {
	modTime time.Time
	size    int64
}

// NewLoader creates a config loader for the provided path.
func NewLoader(path string) *Loader {
	return &Loader{
		path:   strings.TrimSpace(path),
		cached: Defaults(),
	}
}

// Load returns the cached config, reloading if the file changed. A missing
// file yields defaults, not an error: the daemon runs unconfigured.
func (l *Loader) Load() (Config, error) {
	if l == nil {
		return Defaults(), errors.New("nil loader")
	}
	path := strings.TrimSpace(l.path)
	if path == "" {
		return Defaults(), errors.New("empty config path")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.cached = Defaults()
			l.lastRead = fileState{}
			return l.cached, nil
		}
		return l.cached, err
	}
	state := fileState{modTime: info.ModTime(), size: info.Size()}
	if state == l.lastRead {
		return l.cached, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return l.cached, err
	}
	l.cached = cfg
	l.lastRead = state
	return l.cached, nil
}

// Load reads and parses a config file, layering it over defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return Defaults(), err
	}
	cfg := Defaults()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Defaults(), err
	}
	if cfg.Daemon.ScrollbackMaxBytes <= 0 {
		cfg.Daemon.ScrollbackMaxBytes = defaultScrollbackMaxBytes
	}
	return cfg, nil
}

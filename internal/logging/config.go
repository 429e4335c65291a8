package logging

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type Sink string

const (
	SinkStderr Sink = "stderr"
	SinkFile   Sink = "file"
	SinkNone   Sink = "none"
)

const (
	EnvLogLevel      = "TERMHOSTD_LOG_LEVEL"
	EnvLogFormat     = "TERMHOSTD_LOG_FORMAT"
	EnvLogSink       = "TERMHOSTD_LOG_SINK"
	EnvLogFile       = "TERMHOSTD_LOG_FILE"
	EnvLogAddSource  = "TERMHOSTD_LOG_ADD_SOURCE"
	EnvLogMaxSizeMB  = "TERMHOSTD_LOG_MAX_SIZE_MB"
	EnvLogMaxBackups = "TERMHOSTD_LOG_MAX_BACKUPS"
	EnvLogMaxAgeDays = "TERMHOSTD_LOG_MAX_AGE_DAYS"
	EnvLogCompress   = "TERMHOSTD_LOG_COMPRESS"
)

// Config holds logging options. Pointer fields distinguish "unset" from an
// explicit zero so file, env and built-in defaults can be layered.
type Config struct {
	Level     *string `toml:"level,omitempty"`
	Format    *string `toml:"format,omitempty"`
	Sink      *string `toml:"sink,omitempty"`
	File      *string `toml:"file,omitempty"`
	AddSource *bool   `toml:"add_source,omitempty"`

	MaxSizeMB  *int  `toml:"max_size_mb,omitempty"`
	MaxBackups *int  `toml:"max_backups,omitempty"`
	MaxAgeDays *int  `toml:"max_age_days,omitempty"`
	Compress   *bool `toml:"compress,omitempty"`
}

func DefaultConfig(mode Mode) Config {
	// Quiet on the CLI, informative for the daemon.
	level := "error"
	sink := string(SinkStderr)
	format := string(FormatText)
	addSource := false

	if mode == ModeDaemon {
		level = "info"
		sink = string(SinkFile)
		format = string(FormatJSON)
	}

	maxSizeMB := 20
	maxBackups := 5
	maxAgeDays := 7
	compress := true

	return Config{
		Level:      &level,
		Format:     &format,
		Sink:       &sink,
		AddSource:  &addSource,
		MaxSizeMB:  &maxSizeMB,
		MaxBackups: &maxBackups,
		MaxAgeDays: &maxAgeDays,
		Compress:   &compress,
	}
}

func (c Config) WithEnv() Config {
	applyString := func(dst **string, env string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = &v
		}
	}
	applyBool := func(dst **bool, env string) {
		raw := strings.TrimSpace(os.Getenv(env))
		if raw == "" {
			return
		}
		v := !isDisabledString(raw)
		*dst = &v
	}
	applyInt := func(dst **int, env string) {
		raw := strings.TrimSpace(os.Getenv(env))
		if raw == "" {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return
		}
		*dst = &n
	}

	applyString(&c.Level, EnvLogLevel)
	applyString(&c.Format, EnvLogFormat)
	applyString(&c.Sink, EnvLogSink)
	applyString(&c.File, EnvLogFile)
	applyBool(&c.AddSource, EnvLogAddSource)
	applyInt(&c.MaxSizeMB, EnvLogMaxSizeMB)
	applyInt(&c.MaxBackups, EnvLogMaxBackups)
	applyInt(&c.MaxAgeDays, EnvLogMaxAgeDays)
	applyBool(&c.Compress, EnvLogCompress)
	return c
}

func (c Config) Normalize() (Config, error) {
	normalizeString := func(s *string) *string {
		if s == nil {
			return nil
		}
		v := strings.ToLower(strings.TrimSpace(*s))
		if v == "" {
			return nil
		}
		return &v
	}
	c.Level = normalizeString(c.Level)
	c.Format = normalizeString(c.Format)
	c.Sink = normalizeString(c.Sink)
	if c.File != nil {
		v := strings.TrimSpace(*c.File)
		if v == "" {
			c.File = nil
		} else {
			c.File = &v
		}
	}
	clampInt := func(v **int) {
		if *v != nil && **v < 0 {
			zero := 0
			*v = &zero
		}
	}
	clampInt(&c.MaxSizeMB)
	clampInt(&c.MaxBackups)
	clampInt(&c.MaxAgeDays)
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.Level != nil {
		switch *c.Level {
		case "debug", "info", "warn", "warning", "error":
		default:
			return fmt.Errorf("logging.level: invalid %q", *c.Level)
		}
	}
	if c.Format != nil {
		switch Format(*c.Format) {
		case FormatText, FormatJSON:
		default:
			return fmt.Errorf("logging.format: invalid %q", *c.Format)
		}
	}
	if c.Sink != nil {
		switch Sink(*c.Sink) {
		case SinkStderr, SinkFile, SinkNone:
		default:
			return fmt.Errorf("logging.sink: invalid %q", *c.Sink)
		}
	}
	return nil
}

func isDisabledString(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "0", "false", "no", "off":
		return true
	default:
		return false
	}
}

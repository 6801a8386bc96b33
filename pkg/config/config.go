// Package config loads the INI server configuration.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is used when no config path argument is given.
const DefaultPath = "server-config.ini"

// Config is the fully-parsed server configuration.
type Config struct {
	Storage   Storage
	WWW       WWW
	Auth      Auth
	Logging   Logging
	Telemetry Telemetry
}

// Storage configures the database and the crawler toggle.
type Storage struct {
	// Path of the sqlite database file.
	Path string
	// Crawler toggles the background scheduler; off means read-only mode.
	Crawler bool
}

// WWW configures the HTTP listener and static file serving.
type WWW struct {
	// Root of the front-end application; files are served from its public/
	// subdirectory.
	Root string
	// Bind is the TCP listen address, ignored when UnixSocketPath is set.
	Bind string
	// UnixSocketPath makes the server listen on a unix socket instead.
	UnixSocketPath string
	// ChownUnixSocket optionally re-owns the socket file as "user:group".
	ChownUnixSocket string
	// Secure marks session cookies as https-only.
	Secure bool
}

// Auth configures the pre-authentication defenses.
type Auth struct {
	// FailRetryDelay is the per-remote delay between credential attempts;
	// zero disables rate limiting.
	FailRetryDelay time.Duration
	// Whitelist is the comma-separated list of registrable usernames; empty
	// admits everyone.
	Whitelist string
}

// Logging configures the process-wide logger.
type Logging struct {
	Level string
	// File appends log output to a file instead of stderr.
	File string
	// Levels holds per-component level overrides.
	Levels map[string]string
}

// Telemetry configures the OpenTelemetry exporters.
type Telemetry struct {
	Enabled  bool
	Endpoint string
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetDefault("storage.path", "citehub.db")
	v.SetDefault("storage.crawler", true)
	v.SetDefault("www.bind", "localhost:8080")
	v.SetDefault("logging.level", "warning")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("load config file %s: %w", path, err)
	}

	failRetryDelay, err := ParseDelay(v.GetString("auth.fail_retry_delay"))
	if err != nil {
		return nil, fmt.Errorf("auth.fail_retry_delay: %w", err)
	}

	cfg := &Config{
		Storage: Storage{
			Path:    v.GetString("storage.path"),
			Crawler: v.GetBool("storage.crawler"),
		},
		WWW: WWW{
			Root:            v.GetString("www.root"),
			Bind:            v.GetString("www.bind"),
			UnixSocketPath:  v.GetString("www.unix_socket_path"),
			ChownUnixSocket: v.GetString("www.chown_unix_socket"),
			Secure:          v.GetBool("www.secure"),
		},
		Auth: Auth{
			FailRetryDelay: failRetryDelay,
			Whitelist:      v.GetString("auth.whitelist"),
		},
		Logging: Logging{
			Level:  v.GetString("logging.level"),
			File:   v.GetString("logging.file"),
			Levels: v.GetStringMapString("logging.levels"),
		},
		Telemetry: Telemetry{
			Enabled:  v.GetBool("telemetry.enabled"),
			Endpoint: v.GetString("telemetry.endpoint"),
		},
	}
	return cfg, nil
}

var delayRE = regexp.MustCompile(`^(\d+)([smhd]?)$`)

// ParseDelay parses a delay string: an integer with an optional s, m, h or d
// suffix. A bare integer means seconds; empty means zero.
func ParseDelay(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	m := delayRE.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid delay %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}

	unit := time.Second
	switch m[2] {
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}

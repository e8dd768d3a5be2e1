// Package config loads the pool server daemon's configuration from a
// YAML file with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the release version reported by the config CLI.
const Version = "1.2.0"

// DefaultRoot is the installation root when APPYARD_ROOT is not set.
const DefaultRoot = "/usr/local/appyard"

// Root returns the installation root.
func Root() string {
	if root := os.Getenv("APPYARD_ROOT"); root != "" {
		return root
	}
	return DefaultRoot
}

// Config is the daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Pool    PoolConfig    `yaml:"pool"`
	Spawn   SpawnConfig   `yaml:"spawn"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	// SocketPath is the unix socket the pool server listens on.
	SocketPath string `yaml:"socket_path"`
	// Name is the identity clients must sign their auth tokens for.
	Name string `yaml:"name"`
	// RateLimit/RateBurst bound get commands per app root.
	// A zero RateLimit disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type PoolConfig struct {
	Max       int `yaml:"max"`
	MaxPerApp int `yaml:"max_per_app"`

	MaxIdle       time.Duration `yaml:"-"`
	GetTimeout    time.Duration `yaml:"-"`
	CleanInterval time.Duration `yaml:"-"`

	// YAML carries durations as integer seconds.
	MaxIdleSecs       int `yaml:"max_idle"`
	GetTimeoutSecs    int `yaml:"get_timeout"`
	CleanIntervalSecs int `yaml:"clean_interval"`
}

type SpawnConfig struct {
	// URL of the spawn service.
	URL string `yaml:"url"`
	// SocketPath, when set, reaches the spawn service over a unix
	// socket instead of TCP.
	SocketPath string `yaml:"socket_path"`
}

type AuthConfig struct {
	// PublicKey verifies client auth tokens. Empty disables auth.
	PublicKey string `yaml:"public_key"`
}

type MetricsConfig struct {
	// Addr, when set, serves /metrics and /stats over HTTP.
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			SocketPath: "/var/run/appyard/pool.sock",
			Name:       "appyard",
			RateBurst:  10,
		},
		Pool: PoolConfig{
			Max:               6,
			MaxIdleSecs:       120,
			GetTimeoutSecs:    5,
			CleanIntervalSecs: 2,
		},
		Spawn: SpawnConfig{
			URL: "http://localhost:9329",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// resolves the duration fields. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		bs, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(bs, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.resolve()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("APPYARD_SOCKET"); v != "" {
		c.Server.SocketPath = v
	}
	if v := os.Getenv("APPYARD_NAME"); v != "" {
		c.Server.Name = v
	}
	if v := os.Getenv("APPYARD_SPAWN_URL"); v != "" {
		c.Spawn.URL = v
	}
	if v := os.Getenv("APPYARD_SPAWN_SOCKET"); v != "" {
		c.Spawn.SocketPath = v
	}
	if v := os.Getenv("APPYARD_PUBLIC_KEY"); v != "" {
		c.Auth.PublicKey = v
	}
	if v := os.Getenv("APPYARD_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if n, ok := envInt("APPYARD_MAX"); ok {
		c.Pool.Max = n
	}
	if n, ok := envInt("APPYARD_MAX_PER_APP"); ok {
		c.Pool.MaxPerApp = n
	}
	if n, ok := envInt("APPYARD_MAX_IDLE"); ok {
		c.Pool.MaxIdleSecs = n
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Config) resolve() {
	c.Pool.MaxIdle = time.Duration(c.Pool.MaxIdleSecs) * time.Second
	c.Pool.GetTimeout = time.Duration(c.Pool.GetTimeoutSecs) * time.Second
	c.Pool.CleanInterval = time.Duration(c.Pool.CleanIntervalSecs) * time.Second
}

// Validate reports fatal configuration problems.
func (c *Config) Validate() error {
	if c.Server.SocketPath == "" {
		return fmt.Errorf("config: server.socket_path must be set")
	}
	if c.Spawn.URL == "" && c.Spawn.SocketPath == "" {
		return fmt.Errorf("config: spawn.url or spawn.socket_path must be set")
	}
	if c.Pool.Max < 1 {
		return fmt.Errorf("config: pool.max must be at least 1")
	}
	if c.Pool.MaxPerApp < 0 {
		return fmt.Errorf("config: pool.max_per_app must not be negative")
	}
	if c.Pool.GetTimeoutSecs < 1 {
		return fmt.Errorf("config: pool.get_timeout must be at least 1")
	}
	if c.Pool.CleanIntervalSecs < 1 {
		return fmt.Errorf("config: pool.clean_interval must be at least 1")
	}
	return nil
}

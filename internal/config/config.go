package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/daemonkit/internal/logger"
	"github.com/loykin/daemonkit/internal/process"
	"github.com/loykin/daemonkit/internal/supervisor"
)

// Bounds accepted for the startup validation window.
const (
	MaxCheckDelay   = 9 * time.Second
	MinCheckTimeout = 1 * time.Second
	MaxCheckTimeout = 10 * time.Second
)

// Config represents the daemonkit TOML file.
type Config struct {
	PIDDir       string        `toml:"pid_dir" mapstructure:"pid_dir"`
	TmpDir       string        `toml:"tmp_dir" mapstructure:"tmp_dir"`
	ServiceDir   string        `toml:"service_dir" mapstructure:"service_dir"`
	WorkDir      string        `toml:"work_dir" mapstructure:"work_dir"`
	CheckDelay   time.Duration `toml:"check_delay" mapstructure:"check_delay"`
	CheckTimeout time.Duration `toml:"check_timeout" mapstructure:"check_timeout"`
	StopTimeout  time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	StopSignals  []string      `toml:"stop_signals" mapstructure:"stop_signals"`
	ErrorMarkers []string      `toml:"error_markers" mapstructure:"error_markers"`
	Env          []string      `toml:"env" mapstructure:"env"`
	EnvFiles     []string      `toml:"env_files" mapstructure:"env_files"`

	Log     logger.Config  `toml:"log" mapstructure:"log"`
	History HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Server  ServerConfig   `toml:"server" mapstructure:"server"`
	Daemons []DaemonConfig `toml:"daemons" mapstructure:"daemons"`
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// DaemonConfig declares a daemon started by "start --all".
type DaemonConfig struct {
	ID          string `toml:"id" mapstructure:"id"`
	Command     string `toml:"command" mapstructure:"command"`
	HealthCheck string `toml:"health_check" mapstructure:"health_check"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pid_dir", "var/run")
	v.SetDefault("tmp_dir", "var/tmp")
	v.SetDefault("service_dir", "config/services")
	v.SetDefault("work_dir", "")
	v.SetDefault("check_delay", 10*time.Millisecond)
	v.SetDefault("check_timeout", 5*time.Second)
	v.SetDefault("stop_timeout", 10*time.Second)
	v.SetDefault("stop_signals", []string{"INT", "TERM", "KILL"})
	v.SetDefault("error_markers", supervisor.DefaultErrorMarkers)
	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:8089")
	v.SetDefault("server.base_path", "/api")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c, err := decode(newViper())
	if err != nil {
		// defaults are static and always decode
		panic(err)
	}
	return c
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DAEMONKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// Load reads the TOML file at path over the defaults and validates the result.
// An empty path yields the defaults. DAEMONKIT_* environment variables
// override scalar keys (DAEMONKIT_PID_DIR, DAEMONKIT_CHECK_TIMEOUT, ...).
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks value ranges and daemon declarations.
func (c *Config) Validate() error {
	if c.PIDDir == "" {
		return errors.New("pid_dir must not be empty")
	}
	if c.TmpDir == "" {
		return errors.New("tmp_dir must not be empty")
	}
	if c.CheckDelay <= 0 || c.CheckDelay > MaxCheckDelay {
		return fmt.Errorf("check_delay %s must be in (0, %s]", c.CheckDelay, MaxCheckDelay)
	}
	if c.CheckTimeout < MinCheckTimeout || c.CheckTimeout > MaxCheckTimeout {
		return fmt.Errorf("check_timeout %s must be in [%s, %s]", c.CheckTimeout, MinCheckTimeout, MaxCheckTimeout)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout %s must be positive", c.StopTimeout)
	}
	if _, err := c.Signals(); err != nil {
		return fmt.Errorf("stop_signals: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Daemons))
	for i, d := range c.Daemons {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("daemons[%d]: id is required", i)
		}
		if strings.TrimSpace(d.Command) == "" {
			return fmt.Errorf("daemon %q: command is required", d.ID)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("daemon %q declared twice", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// Signals returns the parsed stop escalation.
func (c *Config) Signals() ([]syscall.Signal, error) {
	return process.ParseSignals(c.StopSignals)
}

// EnvList returns the configured environment: env_files in order, then env.
func (c *Config) EnvList() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, kvs...)
	}
	return append(out, c.Env...), nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Blank lines and lines starting with # are ignored. Order is kept.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
		}
	}
	return out, nil
}

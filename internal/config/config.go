package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBind         = "0.0.0.0:19555"
	DefaultTimeout      = 60 // seconds
	DefaultAdminAddress = "127.0.0.1:19556"
)

// Config represents the complete server configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ServerConfig contains UDP server configuration
type ServerConfig struct {
	Bind       string `yaml:"bind"`
	ReadBuffer int    `yaml:"read_buffer"` // bytes, 0 keeps the OS default
	QueueSize  int    `yaml:"queue_size"`
}

// RegistryConfig contains client expiration settings
type RegistryConfig struct {
	Timeout int `yaml:"timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// AdminConfig contains the optional HTTP admin server configuration
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:       DefaultBind,
			ReadBuffer: 65536,
			QueueSize:  1024,
		},
		Registry: RegistryConfig{
			Timeout: DefaultTimeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Admin: AdminConfig{
			Address: DefaultAdminAddress,
		},
	}
}

// Load reads the configuration file at path over the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides settings from environment variables. BIND and TIMEOUT
// are kept for compatibility with existing deployments.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := getenv("TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TIMEOUT %q: %w", v, err)
		}
		c.Registry.Timeout = n
	}
	if v := getenv("TURNIP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("TURNIP_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := getenv("TURNIP_ADMIN_ADDRESS"); v != "" {
		c.Admin.Enabled = true
		c.Admin.Address = v
	}
	return nil
}

// Validate reports every problem in the configuration
func (c *Config) Validate() error {
	return multierr.Combine(
		wrap("server", c.Server.Validate()),
		wrap("registry", c.Registry.Validate()),
		wrap("logging", c.Logging.Validate()),
		wrap("admin", c.Admin.Validate()),
	)
}

func wrap(section string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s config: %w", section, err)
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var err error
	if perr := validateHostPort(s.Bind); perr != nil {
		err = multierr.Append(err, fmt.Errorf("bind must be an IPv4 host:port, got %q: %w", s.Bind, perr))
	}
	if s.ReadBuffer < 0 {
		err = multierr.Append(err, fmt.Errorf("read_buffer cannot be negative, got %d", s.ReadBuffer))
	}
	if s.QueueSize < 1 {
		err = multierr.Append(err, fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize))
	}
	return err
}

// Validate validates registry configuration
func (r *RegistryConfig) Validate() error {
	if r.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", r.Timeout)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var err error
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		err = multierr.Append(err, fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		err = multierr.Append(err, fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format))
	}
	return err
}

// Validate validates admin configuration
func (a *AdminConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if err := validateHostPort(a.Address); err != nil {
		return fmt.Errorf("address must be a host:port when admin is enabled, got %q: %w", a.Address, err)
	}
	return nil
}

// validateHostPort accepts an IPv4 literal or a hostname with a numeric
// port. Hostnames are resolved when the socket is bound.
func validateHostPort(hostport string) error {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return err
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	if addr, err := netip.ParseAddr(host); err == nil && !addr.Unmap().Is4() {
		return errors.New("IPv6 addresses are not supported")
	}
	return nil
}

// TimeoutDuration returns the expiration timeout as a time.Duration
func (r *RegistryConfig) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

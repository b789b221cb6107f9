package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects which part of the configuration must be present.
type Mode int

const (
	ModeSearch Mode = iota
	ModeFetch
)

type Config struct {
	IRC              IRCConfig    `yaml:"irc"`
	ResourceFilePath string       `yaml:"resource_file_path"`
	TransferFilePath string       `yaml:"transfer_file_path"`
	TempDir          string       `yaml:"temp_dir"`
	Fetch            FetchConfig  `yaml:"fetch"`
	Stream           StreamConfig `yaml:"stream"`
	Log              LogConfig    `yaml:"log"`
}

type IRCConfig struct {
	Nick     string `yaml:"nick"`
	Login    string `yaml:"login"`
	Server   string `yaml:"server"`
	Channel  string `yaml:"channel"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// FetchConfig holds the time budgets of a fetch run. The defaults are the
// values the tool has always used; they exist as fields so tests and slow
// networks can change them.
type FetchConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxPolls       int           `yaml:"max_polls"`
}

type StreamConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Token          string   `yaml:"token"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func defaultConfig() *Config {
	return &Config{
		Fetch: FetchConfig{
			ConnectTimeout: 5 * time.Second,
			GracePeriod:    30 * time.Second,
			PollInterval:   2 * time.Second,
			MaxPolls:       30,
		},
		Stream: StreamConfig{
			Host: "127.0.0.1",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Default returns a configuration with every default applied and no
// connection or path settings.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports every missing or invalid field needed for mode.
func (c *Config) Validate(mode Mode) error {
	var errs []error
	missing := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", field))
		}
	}

	switch mode {
	case ModeSearch:
		missing("resource_file_path", c.ResourceFilePath)
	case ModeFetch:
		missing("irc.nick", c.IRC.Nick)
		missing("irc.login", c.IRC.Login)
		missing("irc.server", c.IRC.Server)
		missing("irc.channel", c.IRC.Channel)
		missing("transfer_file_path", c.TransferFilePath)
		if c.Fetch.ConnectTimeout <= 0 {
			errs = append(errs, errors.New("fetch.connect_timeout must be positive"))
		}
		if c.Fetch.GracePeriod < 0 {
			errs = append(errs, errors.New("fetch.grace_period must not be negative"))
		}
		if c.Fetch.PollInterval <= 0 {
			errs = append(errs, errors.New("fetch.poll_interval must be positive"))
		}
		if c.Fetch.MaxPolls <= 0 {
			errs = append(errs, errors.New("fetch.max_polls must be positive"))
		}
	}

	if c.Stream.Port < 0 || c.Stream.Port > 65535 {
		errs = append(errs, fmt.Errorf("stream.port %d out of range", c.Stream.Port))
	}

	return errors.Join(errs...)
}

// StreamAddr returns the listen address of the event stream, or "" when the
// stream is disabled.
func (c *Config) StreamAddr() string {
	if c.Stream.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Stream.Host, c.Stream.Port)
}

// SetStreamAddr enables the event stream on addr, given as host:port.
func (c *Config) SetStreamAddr(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("stream address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("stream address %q: invalid port", addr)
	}
	if host != "" {
		c.Stream.Host = host
	}
	c.Stream.Port = port
	return nil
}

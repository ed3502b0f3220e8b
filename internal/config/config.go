// Package config loads the configuration of the natstunnel command from a
// TOML file, NATSTUNNEL_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override the
// configuration, e.g. NATSTUNNEL_NATS_URL for nats.url.
const EnvPrefix = "NATSTUNNEL"

type Config struct {
	NATS     NATS     `mapstructure:"nats" toml:"nats"`
	Log      Log      `mapstructure:"log" toml:"log"`
	Embedded Embedded `mapstructure:"embedded" toml:"embedded"`
	Tunnel   Tunnel   `mapstructure:"tunnel" toml:"tunnel"`
}

// NATS configures the broker client.
type NATS struct {
	URL       string `mapstructure:"url" toml:"url"`
	Name      string `mapstructure:"name" toml:"name"`
	CredsFile string `mapstructure:"creds_file" toml:"creds_file"`
	Token     string `mapstructure:"token" toml:"token"`
	User      string `mapstructure:"user" toml:"user"`
	Password  string `mapstructure:"password" toml:"password"`
	// ReconnectWait is stored in TOML as nanoseconds.
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" toml:"reconnect_wait"`
	// MaxReconnects of -1 retries forever.
	MaxReconnects int `mapstructure:"max_reconnects" toml:"max_reconnects"`
}

type Log struct {
	Level  string `mapstructure:"level" toml:"level"`
	Format string `mapstructure:"format" toml:"format"`
}

// Embedded configures the NATS server that `serve --embedded` runs in
// process.
type Embedded struct {
	Enabled    bool   `mapstructure:"enabled" toml:"enabled"`
	Host       string `mapstructure:"host" toml:"host"`
	Port       int    `mapstructure:"port" toml:"port"`
	MaxPayload int32  `mapstructure:"max_payload" toml:"max_payload"`
}

// Tunnel configures handshakes.
type Tunnel struct {
	InboxPrefix string `mapstructure:"inbox_prefix" toml:"inbox_prefix"`
	QueueGroup  string `mapstructure:"queue_group" toml:"queue_group"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		NATS: NATS{
			URL:           "nats://127.0.0.1:4222",
			Name:          "natstunnel",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: 60,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
		Embedded: Embedded{
			Host: "127.0.0.1",
			Port: 4222,
		},
	}
}

// NewViper returns a viper instance with every key defaulted and
// environment overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.name", d.NATS.Name)
	v.SetDefault("nats.creds_file", d.NATS.CredsFile)
	v.SetDefault("nats.token", d.NATS.Token)
	v.SetDefault("nats.user", d.NATS.User)
	v.SetDefault("nats.password", d.NATS.Password)
	v.SetDefault("nats.reconnect_wait", d.NATS.ReconnectWait)
	v.SetDefault("nats.max_reconnects", d.NATS.MaxReconnects)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("embedded.enabled", d.Embedded.Enabled)
	v.SetDefault("embedded.host", d.Embedded.Host)
	v.SetDefault("embedded.port", d.Embedded.Port)
	v.SetDefault("embedded.max_payload", d.Embedded.MaxPayload)
	v.SetDefault("tunnel.inbox_prefix", d.Tunnel.InboxPrefix)
	v.SetDefault("tunnel.queue_group", d.Tunnel.QueueGroup)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional configuration file into v and decodes the result.
// Flags bound to v take precedence over the environment, which takes
// precedence over the file.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.NATS.URL == "" && !c.Embedded.Enabled {
		errs = append(errs, errors.New("nats.url must be set unless the embedded server is enabled"))
	}
	if c.NATS.ReconnectWait < 0 {
		errs = append(errs, fmt.Errorf("nats.reconnect_wait %s must not be negative", c.NATS.ReconnectWait))
	}
	if c.NATS.Password != "" && c.NATS.User == "" {
		errs = append(errs, errors.New("nats.password is set without nats.user"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be one of console, json", c.Log.Format))
	}
	if c.Embedded.Port < -1 {
		errs = append(errs, fmt.Errorf("embedded.port %d must be -1 (random) or a port number", c.Embedded.Port))
	}
	if c.Embedded.MaxPayload < 0 {
		errs = append(errs, fmt.Errorf("embedded.max_payload %d must not be negative", c.Embedded.MaxPayload))
	}
	if strings.ContainsAny(c.Tunnel.InboxPrefix, "*> ") {
		errs = append(errs, fmt.Errorf("tunnel.inbox_prefix %q must not contain wildcards or spaces", c.Tunnel.InboxPrefix))
	}
	return errors.Join(errs...)
}

// TOML renders the configuration as a TOML document that Load
// accepts.
func (c Config) TOML() ([]byte, error) {
	return toml.Marshal(c)
}

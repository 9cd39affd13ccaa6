// Package config provides YAML-based configuration loading for niceperf.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drblah/niceperf/pkg/protocol"
	"github.com/drblah/niceperf/pkg/protocol/codec"
)

// Config is the root application configuration, shared by the server and
// client binaries.
type Config struct {
	// AppName optional logical name of the process
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Server holds control-plane listener options
	Server ServerConfig `mapstructure:"server"`

	// Session holds per-client measurement parameters
	Session SessionConfig `mapstructure:"session"`

	// Probe holds data-plane addressing
	Probe ProbeConfig `mapstructure:"probe"`

	// Control holds control-channel options
	Control ControlConfig `mapstructure:"control"`

	// Client holds measurement-client options
	Client ClientConfig `mapstructure:"client"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// ServerConfig holds control-plane server options.
type ServerConfig struct {
	// Listen is the control listener address
	Listen string `mapstructure:"listen"`
	// DrainTimeoutMS bounds the wait for sessions at shutdown; 0 keeps
	// shutdown best-effort
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

// SessionConfig holds the measurement parameters applied to each session.
type SessionConfig struct {
	HandshakeTimeoutMS  int `mapstructure:"handshake_timeout_ms"`
	HandshakeIntervalMS int `mapstructure:"handshake_interval_ms"`
	IdleTimeoutMS       int `mapstructure:"idle_timeout_ms"`
	ProbeIntervalMS     int `mapstructure:"probe_interval_ms"`
	PacketSize          int `mapstructure:"packet_size"`
	// ResetOnActivity turns the idle timeout into a keep-alive window
	ResetOnActivity bool `mapstructure:"reset_on_activity"`
	// Flows is the number of probe flows per session
	Flows int `mapstructure:"flows"`
}

// ProbeConfig holds data-plane addressing.
type ProbeConfig struct {
	// Protocol: udp (tcp is a declared extension, not implemented)
	Protocol string `mapstructure:"protocol"`
	// Target is where the server's initiators aim probe traffic
	Target string `mapstructure:"target"`
	// Listen is where the client's reflector binds
	Listen string `mapstructure:"listen"`
}

// ControlConfig holds control-channel options.
type ControlConfig struct {
	// Codec names the control message encoding: cbor (wire default) or
	// json. Both ends of a deployment must agree.
	Codec string `mapstructure:"codec"`
}

// ClientConfig holds measurement-client options.
type ClientConfig struct {
	// Server is the control address to dial
	Server string `mapstructure:"server"`
	// Redial backoff bounds between control connection attempts
	RedialInitialMS int `mapstructure:"redial_initial_ms"`
	RedialMaxMS     int `mapstructure:"redial_max_ms"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "niceperf",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			Listen:         ":4443",
			DrainTimeoutMS: 3000,
		},
		Session: SessionConfig{
			HandshakeTimeoutMS:  5000,
			HandshakeIntervalMS: 200,
			IdleTimeoutMS:       60000,
			ProbeIntervalMS:     1000,
			PacketSize:          64,
			ResetOnActivity:     false,
			Flows:               1,
		},
		Probe: ProbeConfig{
			Protocol: "udp",
			Target:   "127.0.0.1:7777",
			Listen:   "127.0.0.1:7777",
		},
		Control: ControlConfig{
			Codec: "cbor",
		},
		Client: ClientConfig{
			Server:          "127.0.0.1:4443",
			RedialInitialMS: 500,
			RedialMaxMS:     30000,
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix NICEPERF and `.`/`-` are replaced
// with `_`. Example: NICEPERF_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NICEPERF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.drain_timeout_ms", cfg.Server.DrainTimeoutMS)
	v.SetDefault("session.handshake_timeout_ms", cfg.Session.HandshakeTimeoutMS)
	v.SetDefault("session.handshake_interval_ms", cfg.Session.HandshakeIntervalMS)
	v.SetDefault("session.idle_timeout_ms", cfg.Session.IdleTimeoutMS)
	v.SetDefault("session.probe_interval_ms", cfg.Session.ProbeIntervalMS)
	v.SetDefault("session.packet_size", cfg.Session.PacketSize)
	v.SetDefault("session.reset_on_activity", cfg.Session.ResetOnActivity)
	v.SetDefault("session.flows", cfg.Session.Flows)
	v.SetDefault("control.codec", cfg.Control.Codec)
	v.SetDefault("probe.protocol", cfg.Probe.Protocol)
	v.SetDefault("probe.target", cfg.Probe.Target)
	v.SetDefault("probe.listen", cfg.Probe.Listen)
	v.SetDefault("client.server", cfg.Client.Server)
	v.SetDefault("client.redial_initial_ms", cfg.Client.RedialInitialMS)
	v.SetDefault("client.redial_max_ms", cfg.Client.RedialMaxMS)

	if path == "" {
		if envPath := os.Getenv("NICEPERF_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("niceperf")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".niceperf"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	switch strings.ToLower(strings.TrimSpace(c.Probe.Protocol)) {
	case "udp":
		c.Probe.Protocol = "udp"
	case "tcp":
		return errors.New("probe.protocol tcp is not implemented yet")
	default:
		return fmt.Errorf("invalid probe.protocol: %q", c.Probe.Protocol)
	}

	c.Control.Codec = strings.ToLower(strings.TrimSpace(c.Control.Codec))
	switch c.Control.Codec {
	case "", "cbor":
		c.Control.Codec = "cbor"
	case "json":
		// ok
	default:
		// Codecs like protobuf exist in the registry for typed payloads,
		// but the control union is not one of those types.
		if _, err := codec.Lookup(c.Control.Codec); err != nil {
			return fmt.Errorf("invalid control.codec: %w", err)
		}
		return fmt.Errorf("control.codec %q cannot carry control messages", c.Control.Codec)
	}

	if c.Session.PacketSize < protocol.ProbeMessageSize {
		return fmt.Errorf("session.packet_size must be at least %d", protocol.ProbeMessageSize)
	}
	if c.Session.PacketSize > 64*1024 {
		return fmt.Errorf("session.packet_size must fit one datagram, got %d", c.Session.PacketSize)
	}
	if c.Session.Flows < 1 {
		c.Session.Flows = 1
	}
	return nil
}

// ControlCodec resolves the configured control-channel codec. validate()
// guarantees the name resolves, so failures here are programming errors.
func (c *Config) ControlCodec() codec.Codec {
	cd, err := codec.Lookup(c.Control.Codec)
	if err != nil {
		panic(err)
	}
	return cd
}

// TestProtocol maps the configured probe protocol to its wire value.
func (c *Config) TestProtocol() protocol.TestProtocol {
	switch c.Probe.Protocol {
	case "tcp":
		return protocol.ProtoTCP
	default:
		return protocol.ProtoUDP
	}
}

// Durations converted from their millisecond representations.

func (c *SessionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

func (c *SessionConfig) HandshakeInterval() time.Duration {
	return time.Duration(c.HandshakeIntervalMS) * time.Millisecond
}

func (c *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

func (c *SessionConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMS) * time.Millisecond
}

func (c *ServerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

func (c *ClientConfig) RedialInitial() time.Duration {
	return time.Duration(c.RedialInitialMS) * time.Millisecond
}

func (c *ClientConfig) RedialMax() time.Duration {
	return time.Duration(c.RedialMaxMS) * time.Millisecond
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

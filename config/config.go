// Package config handles loading and validation of configuration for the
// icelink daemons and demos.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// DefaultConfigPath is the default location of the configuration file.
const DefaultConfigPath = "/etc/icelink/icelink.yaml"

// Config holds all configuration shared by the binaries in cmd/.
type Config struct {
	// StunServer is the STUN server ("host:port") used for
	// server-reflexive candidate discovery.
	StunServer string `mapstructure:"stun_server" yaml:"stun_server"`

	// TurnServer is the TURN relay address ("host:port") for relayed
	// candidates.
	TurnServer string `mapstructure:"turn_server" yaml:"turn_server"`

	// TurnUsername is the username for TURN authentication.
	TurnUsername string `mapstructure:"turn_username" yaml:"turn_username"`

	// TurnCredential is the credential (password) for TURN authentication.
	TurnCredential string `mapstructure:"turn_credential" yaml:"turn_credential"`

	// TurnRelayType selects how the relay is reached: udp, tcp or tls.
	TurnRelayType string `mapstructure:"turn_relay_type" yaml:"turn_relay_type"`

	// Compatibility selects the STUN dialect: rfc5389, rfc3489, wlm2009 or
	// oc2007.
	Compatibility string `mapstructure:"compatibility" yaml:"compatibility"`

	// ListenAddr is where server binaries bind their STUN port.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// MetricsAddr is where server binaries expose prometheus metrics and
	// health; empty disables the listener.
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`

	// SignalingURL is the websocket rendezvous endpoint the demo peers
	// meet on.
	SignalingURL string `mapstructure:"signaling_url" yaml:"signaling_url"`

	// PortRangeLo / PortRangeHi constrain local candidate ports; zero
	// means any.
	PortRangeLo uint16 `mapstructure:"port_range_lo" yaml:"port_range_lo"`
	PortRangeHi uint16 `mapstructure:"port_range_hi" yaml:"port_range_hi"`

	// LogLevel controls logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Load reads configuration from the given file path, falling back to the
// default path if configPath is empty. Environment variables override file
// values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("compatibility", "rfc5389")
	v.SetDefault("listen_addr", "0.0.0.0:3478")
	v.SetDefault("metrics_addr", "127.0.0.1:9598")
	v.SetDefault("turn_relay_type", "udp")
	v.SetDefault("log_level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("ICELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"stun_server":     "ICELINK_STUN_SERVER",
		"turn_server":     "ICELINK_TURN_SERVER",
		"turn_username":   "ICELINK_TURN_USERNAME",
		"turn_credential": "ICELINK_TURN_CREDENTIAL",
		"turn_relay_type": "ICELINK_TURN_RELAY_TYPE",
		"compatibility":   "ICELINK_COMPATIBILITY",
		"listen_addr":     "ICELINK_LISTEN_ADDR",
		"metrics_addr":    "ICELINK_METRICS_ADDR",
		"signaling_url":   "ICELINK_SIGNALING_URL",
		"port_range_lo":   "ICELINK_PORT_RANGE_LO",
		"port_range_hi":   "ICELINK_PORT_RANGE_HI",
		"log_level":       "ICELINK_LOG_LEVEL",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// No config file; env vars and defaults carry it.
		} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Same.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configured values are well-formed.
func (c *Config) Validate() error {
	switch c.Compatibility {
	case "rfc5389", "rfc3489", "wlm2009", "oc2007":
	default:
		return fmt.Errorf("unknown compatibility %q", c.Compatibility)
	}
	switch c.TurnRelayType {
	case "udp", "tcp", "tls":
	default:
		return fmt.Errorf("unknown turn_relay_type %q", c.TurnRelayType)
	}
	if c.StunServer != "" {
		if _, err := netip.ParseAddrPort(c.StunServer); err != nil {
			return fmt.Errorf("stun_server: %w", err)
		}
	}
	if c.TurnServer != "" {
		if _, err := netip.ParseAddrPort(c.TurnServer); err != nil {
			return fmt.Errorf("turn_server: %w", err)
		}
		if c.TurnUsername == "" || c.TurnCredential == "" {
			return fmt.Errorf("turn_server requires turn_username and turn_credential")
		}
	}
	if c.ListenAddr != "" {
		if _, err := netip.ParseAddrPort(c.ListenAddr); err != nil {
			return fmt.Errorf("listen_addr: %w", err)
		}
	}
	if c.PortRangeHi != 0 && c.PortRangeLo > c.PortRangeHi {
		return fmt.Errorf("port_range_lo %d above port_range_hi %d",
			c.PortRangeLo, c.PortRangeHi)
	}
	return nil
}

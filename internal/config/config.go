// Package config implements configuration loading for socksd.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	// Listen is the SOCKS5 listen address, e.g. 127.0.0.1:1080.
	Listen string `yaml:"listen"`

	// Upstream is the outbound target URL: direct:// or
	// socks5://[user:pass@]host:port.
	Upstream string `yaml:"upstream"`

	// DebugListen exposes /debug/pprof when non-empty.
	DebugListen string `yaml:"debug_listen"`

	// KeepAlive is "on", "off", or "keepidle:keepintvl:keepcnt" in
	// seconds.
	KeepAlive string `yaml:"keepalive"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Log      LogConfig      `yaml:"log"`

	// Verbose enables per-connection failure logging at warn level.
	Verbose bool `yaml:"verbose"`
}

type TimeoutsConfig struct {
	// Dial bounds outbound DNS lookup and TCP connect.
	Dial Duration `yaml:"dial"`

	// Negotiation bounds the handshake and request phases.
	Negotiation Duration `yaml:"negotiation"`

	// IO bounds the relay phase. Zero means unbounded.
	IO Duration `yaml:"io"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file or flag overrides it.
func Default() *Config {
	return &Config{
		Listen:    "127.0.0.1:1080",
		Upstream:  "direct://",
		KeepAlive: "45:45:3",
		Timeouts: TimeoutsConfig{
			Dial:        Duration(10 * time.Second),
			Negotiation: Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ParseKeepAlive parses the keepalive setting into a net.KeepAliveConfig.
func ParseKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

// Package config loads the camnoded configuration file.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/lanikai/camnode/internal/publish"
	"github.com/lanikai/camnode/internal/sim"
	"github.com/lanikai/camnode/internal/stream"
	"github.com/lanikai/camnode/internal/tsync"
)

type Config struct {
	// Default log level. LOGLEVEL directives in the environment still win
	// for the tags they name.
	LogLevel string `yaml:"log_level"`

	// Delay between attempts to open the camera or its stream.
	RetryInterval time.Duration `yaml:"retry_interval"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Stream    StreamConfig    `yaml:"stream"`
	Sync      SyncConfig      `yaml:"sync"`
	Camera    CameraConfig    `yaml:"camera"`
	Publish   PublishConfig   `yaml:"publish"`

	// Registers the sim backend when present.
	Simulator *sim.Config `yaml:"simulator"`
}

type DiscoveryConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	Interface string        `yaml:"interface"` // empty: all interfaces
}

type StreamConfig struct {
	Buffers        int           `yaml:"buffers"`
	PacketSize     int           `yaml:"packet_size"` // 0 leaves the camera's setting
	PacketTimeout  time.Duration `yaml:"packet_timeout"`
	FrameRetention time.Duration `yaml:"frame_retention"`
	PacketResend   bool          `yaml:"packet_resend"`
	SocketBuffer   int           `yaml:"socket_buffer"`
}

// Options converts to the session options.
func (s StreamConfig) Options() stream.Options {
	return stream.Options{
		PacketTimeout:  s.PacketTimeout,
		FrameRetention: s.FrameRetention,
		PacketResend:   s.PacketResend,
		SocketBuffer:   s.SocketBuffer,
	}
}

type SyncConfig struct {
	Kp tsync.Gain `yaml:"kp"`
	Ki tsync.Gain `yaml:"ki"`
	Kd tsync.Gain `yaml:"kd"`

	// Clamp on the integral term. Zero leaves it unbounded.
	IntegralLimit int64 `yaml:"integral_limit"`

	// Take the first frame's local time as the starting point.
	Seed bool `yaml:"seed"`
}

func (s SyncConfig) Gains() tsync.Gains {
	return tsync.Gains{Kp: s.Kp, Ki: s.Ki, Kd: s.Kd}
}

// CameraConfig holds initial feature values. Nil leaves the camera's value
// untouched.
type CameraConfig struct {
	ExposureTimeAbs *float64 `yaml:"exposure_time_abs"`
	Gain            *float64 `yaml:"gain"`
	FrameRate       *float64 `yaml:"frame_rate"`
}

type PublishConfig struct {
	MQTT      *publish.MQTTConfig      `yaml:"mqtt"`
	WebSocket *publish.WebSocketConfig `yaml:"websocket"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	opts := stream.DefaultOptions()
	gains := tsync.DefaultGains()
	return &Config{
		LogLevel:      "info",
		RetryInterval: time.Second,
		Discovery: DiscoveryConfig{
			Timeout: time.Second,
		},
		Stream: StreamConfig{
			Buffers:        50,
			PacketTimeout:  opts.PacketTimeout,
			FrameRetention: opts.FrameRetention,
			PacketResend:   opts.PacketResend,
			SocketBuffer:   8 << 20,
		},
		Sync: SyncConfig{
			Kp:   gains.Kp,
			Ki:   gains.Ki,
			Kd:   gains.Kd,
			Seed: true,
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

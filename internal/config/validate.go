package config

import (
	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/camera"
	"github.com/lanikai/camnode/internal/logging"
	"github.com/lanikai/camnode/internal/tsync"
)

// Validate checks ranges and fills the gaps a partial file leaves.
func Validate(cfg *Config) error {
	if cfg.LogLevel != "" {
		if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
			return errors.Wrap(err, "log_level")
		}
	}
	if cfg.RetryInterval <= 0 {
		return errors.New("retry_interval must be > 0")
	}
	if cfg.Discovery.Timeout <= 0 {
		return errors.New("discovery.timeout must be > 0")
	}

	s := &cfg.Stream
	if s.Buffers <= 0 {
		return errors.New("stream.buffers must be > 0")
	}
	if s.PacketSize != 0 && (s.PacketSize < 576 || s.PacketSize > 16384) {
		return errors.Errorf("stream.packet_size %d out of range [576, 16384]", s.PacketSize)
	}
	if s.PacketTimeout <= 0 || s.FrameRetention <= 0 {
		return errors.New("stream.packet_timeout and stream.frame_retention must be > 0")
	}
	if s.FrameRetention < s.PacketTimeout {
		return errors.New("stream.frame_retention must not be shorter than stream.packet_timeout")
	}
	if s.SocketBuffer < 0 {
		return errors.New("stream.socket_buffer must be >= 0")
	}

	for name, g := range map[string]tsync.Gain{
		"kp": cfg.Sync.Kp,
		"ki": cfg.Sync.Ki,
		"kd": cfg.Sync.Kd,
	} {
		if g.Num != 0 && g.Den == 0 {
			return errors.Errorf("sync.%s: zero denominator", name)
		}
	}
	if cfg.Sync.IntegralLimit < 0 {
		return errors.New("sync.integral_limit must be >= 0")
	}

	c := cfg.Camera
	if c.ExposureTimeAbs != nil && *c.ExposureTimeAbs <= 0 {
		return errors.New("camera.exposure_time_abs must be > 0")
	}
	if c.FrameRate != nil && *c.FrameRate <= 0 {
		return errors.New("camera.frame_rate must be > 0")
	}

	if m := cfg.Publish.MQTT; m != nil {
		if m.Broker == "" {
			return errors.New("publish.mqtt.broker is required")
		}
		if m.QoS > 2 {
			return errors.Errorf("publish.mqtt.qos %d out of range", m.QoS)
		}
	}
	if w := cfg.Publish.WebSocket; w != nil && w.Listen == "" {
		return errors.New("publish.websocket.listen is required")
	}

	if sc := cfg.Simulator; sc != nil {
		if len(sc.Cameras) == 0 {
			return errors.New("simulator.cameras is empty")
		}
		if sc.PixelFormat != "" {
			if _, ok := camera.LookupPixelFormat(sc.PixelFormat); !ok {
				return errors.Errorf("simulator.pixel_format: unknown format %q", sc.PixelFormat)
			}
		}
		if sc.FailureEvery < 0 {
			return errors.New("simulator.failure_every must be >= 0")
		}
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable of the meeting client. Values come from an
// optional yaml file and MEETING_* environment variables, env wins.
type Config struct {
	TokenEndpoint string `mapstructure:"token_endpoint"`
	RelayURL      string `mapstructure:"relay_url"`
	DiagAddr      string `mapstructure:"diag_addr"`

	TokenRetries uint `mapstructure:"token_retries"`

	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	StabilityCheckInterval time.Duration `mapstructure:"stability_check_interval"`
	StabilityCheckCount    int           `mapstructure:"stability_check_count"`
	ReconnectDelay         time.Duration `mapstructure:"reconnect_delay"`
	ReconnectAttempts      int           `mapstructure:"reconnect_attempts"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`

	MuteRepairMin  time.Duration `mapstructure:"mute_repair_min"`
	MuteRepairMax  time.Duration `mapstructure:"mute_repair_max"`
	UpdateThrottle time.Duration `mapstructure:"update_throttle"`
	ScanThrottle   time.Duration `mapstructure:"scan_throttle"`

	ShareRequestTimeout time.Duration `mapstructure:"share_request_timeout"`

	ChatBufferSize     int           `mapstructure:"chat_buffer_size"`
	ReactionBufferSize int           `mapstructure:"reaction_buffer_size"`
	ReactionTTL        time.Duration `mapstructure:"reaction_ttl"`

	Camera CameraConfig `mapstructure:"camera"`
	Screen ScreenConfig `mapstructure:"screen"`
	Audio  AudioConfig  `mapstructure:"audio"`
}

type CameraConfig struct {
	Width     int `mapstructure:"width"`
	Height    int `mapstructure:"height"`
	FrameRate int `mapstructure:"frame_rate"`
}

type ScreenConfig struct {
	Width      int `mapstructure:"width"`
	Height     int `mapstructure:"height"`
	FrameRate  int `mapstructure:"frame_rate"`
	BitrateBps int `mapstructure:"bitrate_bps"`
}

type AudioConfig struct {
	SampleRate       int  `mapstructure:"sample_rate"`
	ChannelCount     int  `mapstructure:"channel_count"`
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`
	AutoGainControl  bool `mapstructure:"auto_gain_control"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MEETING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("token_endpoint", "http://localhost:8080/api/get-token")
	v.SetDefault("relay_url", "ws://localhost:7000/ws")
	v.SetDefault("diag_addr", ":9091")
	v.SetDefault("token_retries", 3)

	v.SetDefault("connect_timeout", "15s")
	v.SetDefault("stability_check_interval", "100ms")
	v.SetDefault("stability_check_count", 10)
	v.SetDefault("reconnect_delay", "5s")
	v.SetDefault("reconnect_attempts", 1)
	v.SetDefault("heartbeat_interval", "30s")

	v.SetDefault("mute_repair_min", "500ms")
	v.SetDefault("mute_repair_max", "1s")
	v.SetDefault("update_throttle", "200ms")
	v.SetDefault("scan_throttle", "2s")
	v.SetDefault("share_request_timeout", "30s")

	v.SetDefault("chat_buffer_size", 100)
	v.SetDefault("reaction_buffer_size", 10)
	v.SetDefault("reaction_ttl", "3s")

	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.frame_rate", 15)

	v.SetDefault("screen.width", 1920)
	v.SetDefault("screen.height", 1080)
	v.SetDefault("screen.frame_rate", 60)
	v.SetDefault("screen.bitrate_bps", 8_000_000)

	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channel_count", 2)
	v.SetDefault("audio.echo_cancellation", true)
	v.SetDefault("audio.noise_suppression", true)
	v.SetDefault("audio.auto_gain_control", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.StabilityCheckCount <= 0 {
		return fmt.Errorf("stability_check_count must be positive, got %d", c.StabilityCheckCount)
	}
	if c.MuteRepairMin > c.MuteRepairMax {
		return fmt.Errorf("mute_repair_min %s exceeds mute_repair_max %s", c.MuteRepairMin, c.MuteRepairMax)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive, got %s", c.ReconnectDelay)
	}
	if c.ReconnectAttempts <= 0 {
		return fmt.Errorf("reconnect_attempts must be positive, got %d", c.ReconnectAttempts)
	}
	return nil
}

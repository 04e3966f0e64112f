package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"callrelay/pkg/circuitbreaker"
	"callrelay/pkg/retry"
	"callrelay/pkg/tracing"
	"callrelay/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Relay struct {
		URL   string `yaml:"url"`
		AppID string `yaml:"app_id"`
		// TokenSecret enables minting relay tokens for joins that bring none.
		TokenSecret string        `yaml:"token_secret"`
		TokenTTL    time.Duration `yaml:"token_ttl"`
		Mode        string        `yaml:"mode"`
		Codec       string        `yaml:"codec"`
		ICEServers  []ICEServer   `yaml:"ice_servers"`
		PortRange   struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		Dial              retry.Config  `yaml:"dial"`
		ReconnectAttempts int           `yaml:"reconnect_attempts"`
		ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	} `yaml:"relay"`

	Session struct {
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`
		PublishTimeout    time.Duration `yaml:"publish_timeout"`
		SubscribeTimeout  time.Duration `yaml:"subscribe_timeout"`
		DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
		SettleTimeout     time.Duration `yaml:"settle_timeout"`
		NotifyTimeout     time.Duration `yaml:"notify_timeout"`
	} `yaml:"session"`

	Media struct {
		AllowCapture bool `yaml:"allow_capture"`
		Audio        struct {
			SampleRate       uint32 `yaml:"sample_rate"`
			Channels         uint16 `yaml:"channels"`
			BitrateKbps      int    `yaml:"bitrate_kbps"`
			EchoCancellation bool   `yaml:"echo_cancellation"`
			NoiseSuppression bool   `yaml:"noise_suppression"`
			AutoGainControl  bool   `yaml:"auto_gain_control"`
		} `yaml:"audio"`
		Video struct {
			Width          int    `yaml:"width"`
			Height         int    `yaml:"height"`
			FrameRate      int    `yaml:"frame_rate"`
			MinBitrateKbps int    `yaml:"min_bitrate_kbps"`
			MaxBitrateKbps int    `yaml:"max_bitrate_kbps"`
			Optimization   string `yaml:"optimization"`
		} `yaml:"video"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		HealthTimeout     time.Duration `yaml:"health_timeout"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`

		Breaker circuitbreaker.Config `yaml:"breaker"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Relay
	if err := validation.ValidateRelayURL(c.Relay.URL); err != nil {
		return fmt.Errorf("relay.url: %w", err)
	}
	if c.Relay.Mode != "live" && c.Relay.Mode != "rtc" {
		return fmt.Errorf("relay.mode must be live or rtc")
	}
	if c.Relay.Codec != "vp8" && c.Relay.Codec != "h264" {
		return fmt.Errorf("relay.codec must be vp8 or h264")
	}
	if c.Relay.TokenSecret != "" && c.Relay.TokenTTL <= 0 {
		return fmt.Errorf("relay.token_ttl must be > 0 when relay.token_secret is set")
	}
	if c.Relay.PortRange.Min > 0 || c.Relay.PortRange.Max > 0 {
		if c.Relay.PortRange.Min == 0 || c.Relay.PortRange.Max == 0 {
			return fmt.Errorf("relay.port_range.min and max must both be set when one is set")
		}
		if c.Relay.PortRange.Min >= c.Relay.PortRange.Max {
			return fmt.Errorf("relay.port_range.min must be < max")
		}
	}
	if c.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("relay.request_timeout must be > 0")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.ReconnectAttempts < 0 {
		return fmt.Errorf("relay.reconnect_attempts must be >= 0")
	}
	if c.Relay.Dial.MaxAttempts < 0 {
		return fmt.Errorf("relay.dial.max_attempts must be >= 0")
	}

	// Session
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}
	if c.Session.PublishTimeout <= 0 {
		return fmt.Errorf("session.publish_timeout must be > 0")
	}
	if c.Session.SubscribeTimeout <= 0 {
		return fmt.Errorf("session.subscribe_timeout must be > 0")
	}
	if c.Session.DisconnectTimeout <= 0 {
		return fmt.Errorf("session.disconnect_timeout must be > 0")
	}
	if c.Session.SettleTimeout <= 0 {
		return fmt.Errorf("session.settle_timeout must be > 0")
	}

	// Media
	if c.Media.Audio.SampleRate == 0 || c.Media.Audio.Channels == 0 {
		return fmt.Errorf("media.audio.sample_rate and channels must be > 0")
	}
	if c.Media.Video.Width <= 0 || c.Media.Video.Height <= 0 || c.Media.Video.FrameRate <= 0 {
		return fmt.Errorf("media.video width, height and frame_rate must be > 0")
	}
	if c.Media.Video.MinBitrateKbps > c.Media.Video.MaxBitrateKbps {
		return fmt.Errorf("media.video.min_bitrate_kbps must be <= max_bitrate_kbps")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Breaker.OpenTimeout <= 0 {
			return fmt.Errorf("redis.breaker.open_timeout must be > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// If file does not exist, fall back to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Relay.URL = "ws://localhost:7880/rtc"
	cfg.Relay.TokenTTL = time.Hour
	cfg.Relay.Mode = "live"
	cfg.Relay.Codec = "vp8"
	cfg.Relay.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.Relay.RequestTimeout = 5 * time.Second
	cfg.Relay.PingInterval = 15 * time.Second
	cfg.Relay.WriteTimeout = 5 * time.Second
	cfg.Relay.Dial = retry.DefaultConfig()
	cfg.Relay.ReconnectAttempts = 5
	cfg.Relay.ReconnectDelay = 500 * time.Millisecond

	cfg.Session.ConnectTimeout = 10 * time.Second
	cfg.Session.PublishTimeout = 10 * time.Second
	cfg.Session.SubscribeTimeout = 5 * time.Second
	cfg.Session.DisconnectTimeout = 5 * time.Second
	cfg.Session.SettleTimeout = 3 * time.Second
	cfg.Session.NotifyTimeout = 2 * time.Second

	// "high_quality" microphone and 360p camera
	cfg.Media.AllowCapture = true
	cfg.Media.Audio.SampleRate = 48000
	cfg.Media.Audio.Channels = 2
	cfg.Media.Audio.BitrateKbps = 128
	cfg.Media.Audio.EchoCancellation = true
	cfg.Media.Audio.NoiseSuppression = true
	cfg.Media.Audio.AutoGainControl = true
	cfg.Media.Video.Width = 640
	cfg.Media.Video.Height = 360
	cfg.Media.Video.FrameRate = 30
	cfg.Media.Video.MinBitrateKbps = 400
	cfg.Media.Video.MaxBitrateKbps = 1000
	cfg.Media.Video.Optimization = "detail"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthTimeout = 2 * time.Second

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "callrelay:events"
	cfg.Redis.Breaker = circuitbreaker.DefaultConfig()

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("CALLRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("CALLRELAY_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if appID := os.Getenv("CALLRELAY_RELAY_APP_ID"); appID != "" {
		c.Relay.AppID = appID
	}
	if secret := os.Getenv("CALLRELAY_RELAY_TOKEN_SECRET"); secret != "" {
		c.Relay.TokenSecret = secret
	}
	if level := os.Getenv("CALLRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("CALLRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("CALLRELAY_ALLOW_CAPTURE"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CALLRELAY_ALLOW_CAPTURE: %w", err)
		}
		c.Media.AllowCapture = allow
	}
	return nil
}

package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"pikacall/pkg/retry"
	"pikacall/pkg/tracing"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// CORSOrigins lists browser origins allowed to call the control API.
		CORSOrigins     []string      `yaml:"cors_origins"`
	} `yaml:"server"`

	// Relay is the media relay and development group hub (cmd/relay).
	Relay struct {
		Address           string        `yaml:"address"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		MaxMessageBytes   int64         `yaml:"max_message_bytes"`
		SendBuffer        int           `yaml:"send_buffer"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
		RequireToken      bool          `yaml:"require_token"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"relay"`

	Identity struct {
		// Hex-encoded public identity of this participant.
		PublicKey string `yaml:"public_key"`
	} `yaml:"identity"`

	Call struct {
		// RelayURL is advertised to peers as moq_url.
		RelayURL        string        `yaml:"relay_url"`
		BroadcastPrefix string        `yaml:"broadcast_prefix"`
		RingTimeout     time.Duration `yaml:"ring_timeout"`
		OutboxSize      int           `yaml:"outbox_size"`
		SendTimeout     time.Duration `yaml:"send_timeout"`
		StatsInterval   time.Duration `yaml:"stats_interval"`
		History         int           `yaml:"history"`
	} `yaml:"call"`

	Media struct {
		TrackName     string        `yaml:"track_name"`
		Codec         string        `yaml:"codec"`
		SampleRate    uint32        `yaml:"sample_rate"`
		Channels      uint8         `yaml:"channels"`
		FrameMs       uint16        `yaml:"frame_ms"`
		JitterWindow  time.Duration `yaml:"jitter_window"`
		JitterPrefill time.Duration `yaml:"jitter_prefill"`
		CaptureQueue  int           `yaml:"capture_queue"`
		PlaybackQueue int           `yaml:"playback_queue"`
		ToneHz        float64       `yaml:"tone_hz"`
	} `yaml:"media"`

	Crypto struct {
		RolloverGrace time.Duration `yaml:"rollover_grace"`
	} `yaml:"crypto"`

	Reconnect struct {
		MaxAttempts    int           `yaml:"max_attempts"`
		InitialDelay   time.Duration `yaml:"initial_delay"`
		MaxDelay       time.Duration `yaml:"max_delay"`
		MaxElapsed     time.Duration `yaml:"max_elapsed"`
		Multiplier     float64       `yaml:"multiplier"`
		Jitter         bool          `yaml:"jitter"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
	} `yaml:"reconnect"`

	// Transport tunes the websocket media backend.
	Transport struct {
		PingInterval     time.Duration `yaml:"ping_interval"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		AckTimeout       time.Duration `yaml:"ack_timeout"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		SubscriberBuffer int           `yaml:"subscriber_buffer"`
	} `yaml:"transport"`

	// Messaging points at the development group hub.
	Messaging struct {
		HubURL       string        `yaml:"hub_url"`
		GroupSecret  string        `yaml:"group_secret"`
		Groups       []string      `yaml:"groups"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		ReplyTimeout time.Duration `yaml:"reply_timeout"`
	} `yaml:"messaging"`

	// Signaling limits inbound call signals per sender.
	Signaling struct {
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"signaling"`

	// History stores finished calls. Writes go through a circuit breaker
	// so a dead store does not stall every hangup.
	History struct {
		Limit           int           `yaml:"limit"`
		TTL             time.Duration `yaml:"ttl"`
		WriteAttempts   int           `yaml:"write_attempts"`
		BreakerFailures int           `yaml:"breaker_failures"`
		BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
		// CacheTTL fronts a Redis history store with a local read cache; 0 disables it.
		CacheTTL        time.Duration `yaml:"cache_ttl"`
		// SQLitePath keeps history in a local database when Redis is not in use.
		SQLitePath      string        `yaml:"sqlite_path"`
	} `yaml:"history"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	} `yaml:"monitoring"`

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
		// EventChannel carries call state events, empty disables publishing.
		EventChannel string `yaml:"event_channel"`
		// IdentityLease stops two daemons answering for one identity; 0 disables it.
		IdentityLease time.Duration `yaml:"identity_lease"`
	} `yaml:"redis"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
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
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must be >= 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.ReadTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.read_timeout must be > relay.ping_interval")
	}
	if c.Relay.MaxMessageBytes <= 0 {
		return fmt.Errorf("relay.max_message_bytes must be > 0")
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be > 0")
	}
	if c.Relay.MessagesPerSecond <= 0 || c.Relay.Burst <= 0 {
		return fmt.Errorf("relay.messages_per_second and relay.burst must be > 0")
	}

	// Identity
	if c.Identity.PublicKey != "" {
		if _, err := hex.DecodeString(c.Identity.PublicKey); err != nil || c.Identity.PublicKey != strings.ToLower(c.Identity.PublicKey) {
			return fmt.Errorf("identity.public_key must be lowercase hex")
		}
	}

	// Call
	if c.Call.RelayURL == "" {
		return fmt.Errorf("call.relay_url must not be empty")
	}
	if _, err := url.Parse(c.Call.RelayURL); err != nil {
		return fmt.Errorf("call.relay_url is invalid: %w", err)
	}
	prefix := c.Call.BroadcastPrefix
	if prefix == "" || strings.HasPrefix(prefix, "/") || strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("call.broadcast_prefix must be non-empty without leading or trailing '/'")
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout must be > 0")
	}
	if c.Call.OutboxSize <= 0 {
		return fmt.Errorf("call.outbox_size must be > 0")
	}
	if c.Call.SendTimeout <= 0 {
		return fmt.Errorf("call.send_timeout must be > 0")
	}
	if c.Call.StatsInterval <= 0 {
		return fmt.Errorf("call.stats_interval must be > 0")
	}
	if c.Call.History <= 0 {
		return fmt.Errorf("call.history must be > 0")
	}

	// Media
	if c.Media.TrackName == "" {
		return fmt.Errorf("media.track_name must not be empty")
	}
	if c.Media.SampleRate == 0 || c.Media.Channels == 0 || c.Media.FrameMs == 0 {
		return fmt.Errorf("media.sample_rate, media.channels and media.frame_ms must be > 0")
	}
	if c.Media.JitterWindow <= 0 {
		return fmt.Errorf("media.jitter_window must be > 0")
	}
	if c.Media.JitterPrefill < 0 || c.Media.JitterPrefill > c.Media.JitterWindow {
		return fmt.Errorf("media.jitter_prefill must be between 0 and media.jitter_window")
	}
	if c.Media.CaptureQueue <= 0 || c.Media.PlaybackQueue <= 0 {
		return fmt.Errorf("media.capture_queue and media.playback_queue must be > 0")
	}

	// Crypto
	if c.Crypto.RolloverGrace <= 0 {
		return fmt.Errorf("crypto.rollover_grace must be > 0")
	}

	// Reconnect
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be > 0")
	}
	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("reconnect.initial_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay must be >= reconnect.initial_delay")
	}
	if c.Reconnect.MaxElapsed <= 0 {
		return fmt.Errorf("reconnect.max_elapsed must be > 0")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.ConnectTimeout <= 0 {
		return fmt.Errorf("reconnect.connect_timeout must be > 0")
	}

	// Transport
	if c.Transport.AckTimeout <= 0 || c.Transport.HandshakeTimeout <= 0 {
		return fmt.Errorf("transport.ack_timeout and transport.handshake_timeout must be > 0")
	}
	if c.Transport.SubscriberBuffer <= 0 {
		return fmt.Errorf("transport.subscriber_buffer must be > 0")
	}

	// Signaling
	if c.Signaling.MessagesPerSecond <= 0 {
		return fmt.Errorf("signaling.messages_per_second must be > 0")
	}
	if c.Signaling.Burst <= 0 {
		return fmt.Errorf("signaling.burst must be > 0")
	}

	// History
	if c.History.Limit <= 0 {
		return fmt.Errorf("history.limit must be > 0")
	}
	if c.History.TTL < 0 {
		return fmt.Errorf("history.ttl must be >= 0")
	}
	if c.History.WriteAttempts <= 0 {
		return fmt.Errorf("history.write_attempts must be > 0")
	}
	if c.History.BreakerFailures <= 0 {
		return fmt.Errorf("history.breaker_failures must be > 0")
	}
	if c.History.BreakerCooldown <= 0 {
		return fmt.Errorf("history.breaker_cooldown must be > 0")
	}
	if c.History.CacheTTL < 0 {
		return fmt.Errorf("history.cache_ttl must be >= 0")
	}

	// Monitoring
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}
	if c.Monitoring.HealthCheckTimeout <= 0 {
		return fmt.Errorf("monitoring.health_check_timeout must be > 0")
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
		if c.Redis.IdentityLease != 0 && c.Redis.IdentityLease < time.Second {
			return fmt.Errorf("redis.identity_lease must be 0 or at least 1s")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0 when auth.enabled=true")
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

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file in the working directory, when present, is loaded first.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
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
	// SSE streams stay open, so no write deadline by default
	cfg.Server.WriteTimeout = 0
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Relay.Address = ":4443"
	cfg.Relay.PingInterval = 10 * time.Second
	cfg.Relay.ReadTimeout = 30 * time.Second
	cfg.Relay.WriteTimeout = 5 * time.Second
	cfg.Relay.MaxMessageBytes = 64 * 1024
	cfg.Relay.SendBuffer = 256
	cfg.Relay.MessagesPerSecond = 500
	cfg.Relay.Burst = 200
	cfg.Relay.RequireToken = true
	cfg.Relay.ShutdownTimeout = 10 * time.Second

	cfg.Call.RelayURL = "ws://localhost:4443/media"
	cfg.Call.BroadcastPrefix = "pika/calls"
	cfg.Call.RingTimeout = 60 * time.Second
	cfg.Call.OutboxSize = 64
	cfg.Call.SendTimeout = 5 * time.Second
	cfg.Call.StatsInterval = time.Second
	cfg.Call.History = 64

	cfg.Media.TrackName = "audio0"
	cfg.Media.Codec = "pcm16"
	cfg.Media.SampleRate = 48000
	cfg.Media.Channels = 1
	cfg.Media.FrameMs = 20
	cfg.Media.JitterWindow = 160 * time.Millisecond
	cfg.Media.JitterPrefill = 60 * time.Millisecond
	cfg.Media.CaptureQueue = 8
	cfg.Media.PlaybackQueue = 8
	cfg.Media.ToneHz = 440

	cfg.Crypto.RolloverGrace = 5 * time.Second

	cfg.Reconnect.MaxAttempts = 5
	cfg.Reconnect.InitialDelay = 250 * time.Millisecond
	cfg.Reconnect.MaxDelay = 4 * time.Second
	cfg.Reconnect.MaxElapsed = 15 * time.Second
	cfg.Reconnect.Multiplier = 2
	cfg.Reconnect.Jitter = true
	cfg.Reconnect.ConnectTimeout = 5 * time.Second

	cfg.Transport.PingInterval = 10 * time.Second
	cfg.Transport.ReadTimeout = 30 * time.Second
	cfg.Transport.WriteTimeout = 5 * time.Second
	cfg.Transport.AckTimeout = 5 * time.Second
	cfg.Transport.HandshakeTimeout = 5 * time.Second
	cfg.Transport.SubscriberBuffer = 64

	cfg.Messaging.HubURL = "ws://localhost:4443/group"
	cfg.Messaging.WriteTimeout = 5 * time.Second
	cfg.Messaging.ReplyTimeout = 5 * time.Second

	cfg.Signaling.MessagesPerSecond = 20
	cfg.Signaling.Burst = 40

	cfg.History.Limit = 256
	cfg.History.TTL = 7 * 24 * time.Hour
	cfg.History.WriteAttempts = 3
	cfg.History.BreakerFailures = 5
	cfg.History.BreakerCooldown = 30 * time.Second
	cfg.History.CacheTTL = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 10 * time.Second
	cfg.Monitoring.HealthCheckTimeout = 2 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.EventChannel = "pikacall:events"
	cfg.Redis.IdentityLease = 15 * time.Second

	cfg.Auth.Enabled = false
	cfg.Auth.AccessTokenTTL = 15 * time.Minute

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	td := tracing.DefaultConfig()
	cfg.Tracing.Enabled = td.Enabled
	cfg.Tracing.JaegerURL = td.JaegerURL
	cfg.Tracing.Environment = td.Environment
	cfg.Tracing.SampleRate = td.SampleRate

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"PIKACALL_SERVER_ADDRESS":   &c.Server.Address,
		"PIKACALL_RELAY_ADDRESS":    &c.Relay.Address,
		"PIKACALL_IDENTITY":         &c.Identity.PublicKey,
		"PIKACALL_RELAY_URL":        &c.Call.RelayURL,
		"PIKACALL_HUB_URL":          &c.Messaging.HubURL,
		"PIKACALL_GROUP_SECRET":     &c.Messaging.GroupSecret,
		"PIKACALL_LOG_LEVEL":        &c.Logging.Level,
		"PIKACALL_HISTORY_PATH":     &c.History.SQLitePath,
		"PIKACALL_LOG_FORMAT":       &c.Logging.Format,
		"PIKACALL_REDIS_ADDRESS":    &c.Redis.Address,
		"PIKACALL_REDIS_PASSWORD":   &c.Redis.Password,
		"PIKACALL_JWT_SECRET":       &c.Auth.JWTSecret,
		"PIKACALL_JAEGER_URL":       &c.Tracing.JaegerURL,
		"PIKACALL_TRACING_ENV":      &c.Tracing.Environment,
		"PIKACALL_BROADCAST_PREFIX": &c.Call.BroadcastPrefix,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"PIKACALL_REDIS_ENABLED":   &c.Redis.Enabled,
		"PIKACALL_AUTH_ENABLED":    &c.Auth.Enabled,
		"PIKACALL_TRACING_ENABLED": &c.Tracing.Enabled,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	if v := os.Getenv("PIKACALL_RING_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PIKACALL_RING_TIMEOUT: %w", err)
		}
		c.Call.RingTimeout = d
	}
	if v := os.Getenv("PIKACALL_GROUPS"); v != "" {
		c.Messaging.Groups = nil
		for _, g := range strings.Split(v, ",") {
			if g = strings.TrimSpace(g); g != "" {
				c.Messaging.Groups = append(c.Messaging.Groups, g)
			}
		}
	}
	return nil
}

// ReconnectPolicy is the backoff used by the media reconnect supervisor.
func (c *Config) ReconnectPolicy() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  c.Reconnect.MaxAttempts,
		InitialDelay: c.Reconnect.InitialDelay,
		MaxDelay:     c.Reconnect.MaxDelay,
		MaxElapsed:   c.Reconnect.MaxElapsed,
		Multiplier:   c.Reconnect.Multiplier,
		Jitter:       c.Reconnect.Jitter,
	}
}

// HistoryWritePolicy retries record writes briefly; the caller already
// bounds the whole save with a timeout.
func (c *Config) HistoryWritePolicy() retry.Config {
	return retry.Config{
		Enabled:      c.History.WriteAttempts > 1,
		MaxAttempts:  c.History.WriteAttempts,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	}
}

func (c *Config) TracingConfig(serviceName string) tracing.Config {
	return tracing.Config{
		Enabled:     c.Tracing.Enabled,
		ServiceName: serviceName,
		JaegerURL:   c.Tracing.JaegerURL,
		Environment: c.Tracing.Environment,
		SampleRate:  c.Tracing.SampleRate,
	}
}

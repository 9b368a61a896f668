package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Host string `env:"SYNC_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SYNC_PORT" envDefault:"3002"`

	// CORS origins allowed on the upgrade request (comma separated, * = any)
	CORSOrigins []string `env:"SYNC_CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	// WebSocket keepalive
	PingTimeout  time.Duration `env:"SYNC_PING_TIMEOUT" envDefault:"10s"`
	PingInterval time.Duration `env:"SYNC_PING_INTERVAL" envDefault:"25s"`

	// Room limits
	RoomMaxParticipants int     `env:"SYNC_ROOM_MAX_PARTICIPANTS" envDefault:"5"`
	PlaybackRateMin     float64 `env:"SYNC_PLAYBACK_RATE_MIN" envDefault:"0.1"`
	PlaybackRateMax     float64 `env:"SYNC_PLAYBACK_RATE_MAX" envDefault:"4.0"`

	// Rate limits
	CommandRatePerSec   int           `env:"SYNC_RATE_LIMIT_PER_SEC" envDefault:"10"`
	ChatRateWindow      time.Duration `env:"SYNC_CHAT_RATE_WINDOW" envDefault:"60s"`
	ChatRateMax         int           `env:"SYNC_CHAT_RATE_MAX" envDefault:"30"`
	ConnRateIPBurst     int           `env:"SYNC_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec    float64       `env:"SYNC_CONN_RATE_IP_PER_SEC" envDefault:"1.0"`
	ConnRateGlobal      float64       `env:"SYNC_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50.0"`
	ConnRateGlobalBurst int           `env:"SYNC_CONN_RATE_GLOBAL_BURST" envDefault:"300"`

	// TTLs
	RoomStateTTL time.Duration `env:"SYNC_ROOM_STATE_TTL" envDefault:"24h"`

	// State backend (Redis)
	RedisAddr     string `env:"SYNC_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"SYNC_REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"SYNC_REDIS_DB" envDefault:"0"`
	KeyPrefix     string `env:"SYNC_KEY_PREFIX" envDefault:"watchsync"`

	// Event bus (NATS). Empty URL disables the bus and the server degrades
	// to single-instance fan-out.
	NATSURL string `env:"SYNC_NATS_URL" envDefault:"nats://localhost:4222"`

	// Auth
	JWTSecret string `env:"SYNC_JWT_SECRET,required"`

	// Capacity / safety
	MaxConnections     int     `env:"SYNC_MAX_CONNECTIONS" envDefault:"2000"`
	CPURejectThreshold float64 `env:"SYNC_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"SYNC_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// injected directly and the file is absent.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SYNC_PORT must be 1-65535, got %d", c.Port)
	}
	if c.RoomMaxParticipants < 2 || c.RoomMaxParticipants > 5 {
		return fmt.Errorf("SYNC_ROOM_MAX_PARTICIPANTS must be 2-5, got %d", c.RoomMaxParticipants)
	}
	if c.PlaybackRateMin <= 0 {
		return fmt.Errorf("SYNC_PLAYBACK_RATE_MIN must be > 0, got %g", c.PlaybackRateMin)
	}
	if c.PlaybackRateMax < c.PlaybackRateMin {
		return fmt.Errorf("SYNC_PLAYBACK_RATE_MAX (%g) must be >= SYNC_PLAYBACK_RATE_MIN (%g)",
			c.PlaybackRateMax, c.PlaybackRateMin)
	}
	if c.CommandRatePerSec < 1 {
		return fmt.Errorf("SYNC_RATE_LIMIT_PER_SEC must be > 0, got %d", c.CommandRatePerSec)
	}
	if c.ChatRateMax < 1 {
		return fmt.Errorf("SYNC_CHAT_RATE_MAX must be > 0, got %d", c.ChatRateMax)
	}
	if c.RoomStateTTL < time.Minute {
		return fmt.Errorf("SYNC_ROOM_STATE_TTL must be >= 1m, got %s", c.RoomStateTTL)
	}
	if c.PingInterval >= c.PingTimeout*10 {
		return fmt.Errorf("SYNC_PING_INTERVAL (%s) unreasonably large vs SYNC_PING_TIMEOUT (%s)",
			c.PingInterval, c.PingTimeout)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("SYNC_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("SYNC_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("SYNC_JWT_SECRET is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr()).
		Strs("cors_origins", c.CORSOrigins).
		Dur("ping_timeout", c.PingTimeout).
		Dur("ping_interval", c.PingInterval).
		Int("room_max_participants", c.RoomMaxParticipants).
		Float64("playback_rate_min", c.PlaybackRateMin).
		Float64("playback_rate_max", c.PlaybackRateMax).
		Int("command_rate_per_sec", c.CommandRatePerSec).
		Dur("chat_rate_window", c.ChatRateWindow).
		Int("chat_rate_max", c.ChatRateMax).
		Dur("room_state_ttl", c.RoomStateTTL).
		Str("redis_addr", c.RedisAddr).
		Int("redis_db", c.RedisDB).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}

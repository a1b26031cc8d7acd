package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"chatrelay/internal/gateway"
	"chatrelay/internal/presence"
	"chatrelay/internal/ratelimit"
	"chatrelay/pkg/database"
)

// Config is the full runtime configuration, assembled with precedence
// file > environment > defaults.
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	Database  *database.Config `json:"database"`
	WebSocket gateway.Config   `json:"websocket"`
	RateLimit ratelimit.Config `json:"rate_limit"`
	Presence  presence.Config  `json:"presence"`
	Auth      *AuthConfig      `json:"auth"`
	Sync      *SyncConfig      `json:"sync"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type AuthConfig struct {
	JWTSecret     string        `json:"jwt_secret"`
	TokenCacheTTL time.Duration `json:"token_cache_ttl"`
}

type SyncConfig struct {
	MessageCap    int `json:"message_cap"`
	MaxTextLength int `json:"max_text_length"`
}

// DefaultConfig returns the single-process defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database:  database.DefaultConfig(),
		WebSocket: gateway.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Presence:  presence.DefaultConfig(),
		Auth: &AuthConfig{
			JWTSecret:     "",
			TokenCacheTTL: 5 * time.Minute,
		},
		Sync: &SyncConfig{
			MessageCap:    100,
			MaxTextLength: 500,
		},
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("http configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket send buffer must be positive")
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxMessages <= 0 || c.RateLimit.MuteDuration <= 0 || c.RateLimit.SweepInterval <= 0 {
		return fmt.Errorf("rate limit parameters must be positive")
	}
	if c.Presence.HeartbeatTimeout <= 0 || c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence parameters must be positive")
	}
	if c.Auth == nil || c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt secret is required")
	}
	if c.Sync == nil || c.Sync.MessageCap <= 0 || c.Sync.MaxTextLength <= 0 {
		return fmt.Errorf("sync parameters must be positive")
	}
	return nil
}

// LoadFromEnv overlays CHATRELAY_* environment variables on the
// defaults.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if host := os.Getenv("CHATRELAY_HTTP_HOST"); host != "" {
		cfg.HTTP.Host = host
	}
	if port := os.Getenv("CHATRELAY_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if dbPath := os.Getenv("CHATRELAY_DATABASE_PATH"); dbPath != "" {
		cfg.Database.DatabasePath = dbPath
	}
	if secret := os.Getenv("CHATRELAY_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	setDuration := func(name string, target *time.Duration) {
		if raw := os.Getenv(name); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil {
				*target = d
			}
		}
	}
	setInt := func(name string, target *int) {
		if raw := os.Getenv(name); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				*target = n
			}
		}
	}

	setDuration("CHATRELAY_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	setDuration("CHATRELAY_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	setDuration("CHATRELAY_WEBSOCKET_PING_INTERVAL", &cfg.WebSocket.PingInterval)
	setDuration("CHATRELAY_WEBSOCKET_READ_TIMEOUT", &cfg.WebSocket.ReadTimeout)
	setDuration("CHATRELAY_WEBSOCKET_WRITE_TIMEOUT", &cfg.WebSocket.WriteTimeout)
	setInt("CHATRELAY_WEBSOCKET_SEND_BUFFER", &cfg.WebSocket.SendBuffer)
	setDuration("CHATRELAY_RATELIMIT_WINDOW", &cfg.RateLimit.Window)
	setInt("CHATRELAY_RATELIMIT_MAX_MESSAGES", &cfg.RateLimit.MaxMessages)
	setDuration("CHATRELAY_RATELIMIT_MUTE_DURATION", &cfg.RateLimit.MuteDuration)
	setDuration("CHATRELAY_RATELIMIT_SWEEP_INTERVAL", &cfg.RateLimit.SweepInterval)
	setDuration("CHATRELAY_PRESENCE_HEARTBEAT_TIMEOUT", &cfg.Presence.HeartbeatTimeout)
	setDuration("CHATRELAY_PRESENCE_SWEEP_INTERVAL", &cfg.Presence.SweepInterval)
	setDuration("CHATRELAY_AUTH_TOKEN_CACHE_TTL", &cfg.Auth.TokenCacheTTL)
	setInt("CHATRELAY_SYNC_MESSAGE_CAP", &cfg.Sync.MessageCap)
	setInt("CHATRELAY_MAX_TEXT_LENGTH", &cfg.Sync.MaxTextLength)

	return cfg
}

// fileConfig holds the JSON file shape; durations are strings so the
// file stays human-editable.
type fileConfig struct {
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	Database *struct {
		Path string `json:"path"`
	} `json:"database"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		SendBuffer   int    `json:"send_buffer"`
	} `json:"websocket"`
	RateLimit *struct {
		Window        string `json:"window"`
		MaxMessages   int    `json:"max_messages"`
		MuteDuration  string `json:"mute_duration"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"rate_limit"`
	Presence *struct {
		HeartbeatTimeout string `json:"heartbeat_timeout"`
		SweepInterval    string `json:"sweep_interval"`
	} `json:"presence"`
	Auth *struct {
		JWTSecret     string `json:"jwt_secret"`
		TokenCacheTTL string `json:"token_cache_ttl"`
	} `json:"auth"`
	Sync *struct {
		MessageCap    int `json:"message_cap"`
		MaxTextLength int `json:"max_text_length"`
	} `json:"sync"`
}

func parseDuration(raw string, target *time.Duration) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*target = d
	}
}

// LoadFromFile overlays a JSON file on the environment-derived config.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := LoadFromEnv()

	if fc.HTTP != nil {
		if fc.HTTP.Host != "" {
			cfg.HTTP.Host = fc.HTTP.Host
		}
		if fc.HTTP.Port > 0 {
			cfg.HTTP.Port = fc.HTTP.Port
		}
		parseDuration(fc.HTTP.ReadTimeout, &cfg.HTTP.ReadTimeout)
		parseDuration(fc.HTTP.WriteTimeout, &cfg.HTTP.WriteTimeout)
	}
	if fc.Database != nil && fc.Database.Path != "" {
		cfg.Database.DatabasePath = fc.Database.Path
	}
	if fc.WebSocket != nil {
		parseDuration(fc.WebSocket.PingInterval, &cfg.WebSocket.PingInterval)
		parseDuration(fc.WebSocket.ReadTimeout, &cfg.WebSocket.ReadTimeout)
		parseDuration(fc.WebSocket.WriteTimeout, &cfg.WebSocket.WriteTimeout)
		if fc.WebSocket.SendBuffer > 0 {
			cfg.WebSocket.SendBuffer = fc.WebSocket.SendBuffer
		}
	}
	if fc.RateLimit != nil {
		parseDuration(fc.RateLimit.Window, &cfg.RateLimit.Window)
		if fc.RateLimit.MaxMessages > 0 {
			cfg.RateLimit.MaxMessages = fc.RateLimit.MaxMessages
		}
		parseDuration(fc.RateLimit.MuteDuration, &cfg.RateLimit.MuteDuration)
		parseDuration(fc.RateLimit.SweepInterval, &cfg.RateLimit.SweepInterval)
	}
	if fc.Presence != nil {
		parseDuration(fc.Presence.HeartbeatTimeout, &cfg.Presence.HeartbeatTimeout)
		parseDuration(fc.Presence.SweepInterval, &cfg.Presence.SweepInterval)
	}
	if fc.Auth != nil {
		if fc.Auth.JWTSecret != "" {
			cfg.Auth.JWTSecret = fc.Auth.JWTSecret
		}
		parseDuration(fc.Auth.TokenCacheTTL, &cfg.Auth.TokenCacheTTL)
	}
	if fc.Sync != nil {
		if fc.Sync.MessageCap > 0 {
			cfg.Sync.MessageCap = fc.Sync.MessageCap
		}
		if fc.Sync.MaxTextLength > 0 {
			cfg.Sync.MaxTextLength = fc.Sync.MaxTextLength
		}
	}

	return cfg, nil
}

// Load resolves configuration with precedence file > env > defaults.
// A missing or unreadable file falls back to the environment layer.
func Load(path string) *Config {
	if path != "" {
		if cfg, err := LoadFromFile(path); err == nil {
			return cfg
		}
	}
	return LoadFromEnv()
}

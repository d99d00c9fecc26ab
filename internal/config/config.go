// Package config reads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment    string
	Addr           string
	LogLevel       slog.Level
	LogFormat      string
	AllowedOrigins []string
	TrustProxy     bool
	AdminToken     string
	JWTSecret      []byte

	Canvas   CanvasConfig
	Redis    RedisConfig
	Cooldown CooldownConfig
	Hub      HubConfig
}

type CanvasConfig struct {
	Width              int
	Height             int
	ColorBits          uint
	RedisKey           string
	Persist            bool
	CheckpointInterval time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CooldownConfig struct {
	Window        time.Duration
	KeyPrefix     string
	MaxRetries    int
	RetryInterval time.Duration
}

type HubConfig struct {
	MaxConnections   int
	MaxConnsPerAddr  int
	WriteLockTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	SendQueueSize    int
	MaxMessageSize   int64
	MessageRate      float64
	MessageBurst     int
}

// Development reports whether the server runs in development mode.
func (c *Config) Development() bool {
	return c.Environment == "development"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("ADMIN_TOKEN", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_SECRET_BASE64", true)

	v.SetDefault("CANVAS_WIDTH", 1024)
	v.SetDefault("CANVAS_HEIGHT", 1024)
	v.SetDefault("CANVAS_COLOR_BITS", 4)
	v.SetDefault("CANVAS_REDIS_KEY", "canvas:bitfield")
	v.SetDefault("CANVAS_PERSIST", true)
	v.SetDefault("CANVAS_CHECKPOINT_INTERVAL", 30*time.Second)

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("COOLDOWN", "60s")
	v.SetDefault("COOLDOWN_KEY_PREFIX", "pixel:cooldown:")
	v.SetDefault("COOLDOWN_MAX_RETRIES", 3)
	v.SetDefault("COOLDOWN_RETRY_INTERVAL", 10*time.Millisecond)

	v.SetDefault("MAX_CONNECTIONS", 10000)
	v.SetDefault("MAX_CONNECTIONS_PER_ADDR", 0)
	v.SetDefault("WRITE_LOCK_TIMEOUT", 100*time.Millisecond)
	v.SetDefault("WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("PING_INTERVAL", 30*time.Second)
	v.SetDefault("PONG_WAIT", 60*time.Second)
	v.SetDefault("SEND_QUEUE_SIZE", 256)
	v.SetDefault("MAX_MESSAGE_SIZE", 512)
	v.SetDefault("MESSAGE_RATE", 10.0)
	v.SetDefault("MESSAGE_BURST", 20)
}

// Load reads envFile into the process environment if it exists, then
// builds a Config from the environment and defaults.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Environment:    v.GetString("ENVIRONMENT"),
		Addr:           v.GetString("HTTP_ADDR"),
		LogFormat:      v.GetString("LOG_FORMAT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		TrustProxy:     v.GetBool("TRUST_PROXY"),
		AdminToken:     v.GetString("ADMIN_TOKEN"),
		Canvas: CanvasConfig{
			Width:              v.GetInt("CANVAS_WIDTH"),
			Height:             v.GetInt("CANVAS_HEIGHT"),
			ColorBits:          v.GetUint("CANVAS_COLOR_BITS"),
			RedisKey:           v.GetString("CANVAS_REDIS_KEY"),
			Persist:            v.GetBool("CANVAS_PERSIST"),
			CheckpointInterval: v.GetDuration("CANVAS_CHECKPOINT_INTERVAL"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Cooldown: CooldownConfig{
			KeyPrefix:     v.GetString("COOLDOWN_KEY_PREFIX"),
			MaxRetries:    v.GetInt("COOLDOWN_MAX_RETRIES"),
			RetryInterval: v.GetDuration("COOLDOWN_RETRY_INTERVAL"),
		},
		Hub: HubConfig{
			MaxConnections:   v.GetInt("MAX_CONNECTIONS"),
			MaxConnsPerAddr:  v.GetInt("MAX_CONNECTIONS_PER_ADDR"),
			WriteLockTimeout: v.GetDuration("WRITE_LOCK_TIMEOUT"),
			WriteTimeout:     v.GetDuration("WRITE_TIMEOUT"),
			PingInterval:     v.GetDuration("PING_INTERVAL"),
			PongWait:         v.GetDuration("PONG_WAIT"),
			SendQueueSize:    v.GetInt("SEND_QUEUE_SIZE"),
			MaxMessageSize:   v.GetInt64("MAX_MESSAGE_SIZE"),
			MessageRate:      v.GetFloat64("MESSAGE_RATE"),
			MessageBurst:     v.GetInt("MESSAGE_BURST"),
		},
	}

	window, err := seconds(v.GetString("COOLDOWN"))
	if err != nil {
		return nil, fmt.Errorf("COOLDOWN: %w", err)
	}
	cfg.Cooldown.Window = window

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	secret := v.GetString("JWT_SECRET")
	if v.GetBool("JWT_SECRET_BASE64") && secret != "" {
		decoded, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("JWT_SECRET is not valid base64: %w", err)
		}
		cfg.JWTSecret = decoded
	} else {
		cfg.JWTSecret = []byte(secret)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.Environment {
	case "development", "production":
	default:
		errs = append(errs, fmt.Errorf("ENVIRONMENT must be development or production, got %q", c.Environment))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if len(c.JWTSecret) == 0 {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Canvas.Width <= 0 || c.Canvas.Height <= 0 {
		errs = append(errs, fmt.Errorf("canvas must be at least 1x1, got %dx%d", c.Canvas.Width, c.Canvas.Height))
	}
	switch c.Canvas.ColorBits {
	case 1, 2, 4, 8:
	default:
		errs = append(errs, fmt.Errorf("CANVAS_COLOR_BITS must be 1, 2, 4 or 8, got %d", c.Canvas.ColorBits))
	}
	if c.Cooldown.Window < 0 {
		errs = append(errs, fmt.Errorf("COOLDOWN must not be negative, got %s", c.Cooldown.Window))
	} else if c.Cooldown.Window > 0 && c.Cooldown.Window < time.Second {
		errs = append(errs, fmt.Errorf("COOLDOWN must be 0 or at least 1s, got %s", c.Cooldown.Window))
	}
	if c.Cooldown.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("COOLDOWN_MAX_RETRIES must be at least 1, got %d", c.Cooldown.MaxRetries))
	}
	if c.Hub.WriteLockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WRITE_LOCK_TIMEOUT must be positive, got %s", c.Hub.WriteLockTimeout))
	}
	if c.Hub.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_SIZE must be positive, got %d", c.Hub.MaxMessageSize))
	}
	if c.Hub.MaxConnections < 0 || c.Hub.MaxConnsPerAddr < 0 {
		errs = append(errs, errors.New("connection limits must not be negative"))
	}
	return errors.Join(errs...)
}

// seconds reads a bare integer as whole seconds and anything else as a
// Go duration string.
func seconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// c2VjcmV0 is base64 for "secret".
const secretB64 = "c2VjcmV0"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", secretB64)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Development())
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, []byte("secret"), cfg.JWTSecret)
	assert.Empty(t, cfg.AllowedOrigins)

	assert.Equal(t, 1024, cfg.Canvas.Width)
	assert.Equal(t, 1024, cfg.Canvas.Height)
	assert.Equal(t, uint(4), cfg.Canvas.ColorBits)
	assert.Equal(t, "canvas:bitfield", cfg.Canvas.RedisKey)

	assert.Equal(t, 60*time.Second, cfg.Cooldown.Window)
	assert.Equal(t, "pixel:cooldown:", cfg.Cooldown.KeyPrefix)
	assert.Equal(t, 3, cfg.Cooldown.MaxRetries)

	assert.Equal(t, 10000, cfg.Hub.MaxConnections)
	assert.Equal(t, 100*time.Millisecond, cfg.Hub.WriteLockTimeout)
	assert.Equal(t, int64(512), cfg.Hub.MaxMessageSize)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "plain")
	t.Setenv("JWT_SECRET_BASE64", "false")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("CANVAS_WIDTH", "64")
	t.Setenv("CANVAS_COLOR_BITS", "8")
	t.Setenv("COOLDOWN", "5s")
	t.Setenv("WRITE_LOCK_TIMEOUT", "250ms")
	t.Setenv("MAX_MESSAGE_SIZE", "4096")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.False(t, cfg.Development())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []byte("plain"), cfg.JWTSecret)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 64, cfg.Canvas.Width)
	assert.Equal(t, uint(8), cfg.Canvas.ColorBits)
	assert.Equal(t, 5*time.Second, cfg.Cooldown.Window)
	assert.Equal(t, 250*time.Millisecond, cfg.Hub.WriteLockTimeout)
	assert.Equal(t, int64(4096), cfg.Hub.MaxMessageSize)
}

func TestCooldownAcceptsSecondsOrDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"60":   60 * time.Second,
		" 5 ":  5 * time.Second,
		"0":    0,
		"90s":  90 * time.Second,
		"2m":   2 * time.Minute,
		"1.5s": 1500 * time.Millisecond,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			t.Setenv("JWT_SECRET", secretB64)
			t.Setenv("COOLDOWN", in)

			cfg, err := Load("")
			require.NoError(t, err)
			assert.Equal(t, want, cfg.Cooldown.Window)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MYPLACE_TEST_ONLY=1\nCANVAS_HEIGHT=32\n"), 0o600))
	t.Setenv("JWT_SECRET", secretB64)
	// Registered so t.Setenv restores the variables the file sets.
	t.Setenv("CANVAS_HEIGHT", "")
	os.Unsetenv("CANVAS_HEIGHT")
	t.Setenv("MYPLACE_TEST_ONLY", "")
	os.Unsetenv("MYPLACE_TEST_ONLY")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Canvas.Height)
	assert.Equal(t, "1", os.Getenv("MYPLACE_TEST_ONLY"))
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	t.Setenv("JWT_SECRET", secretB64)
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing secret", map[string]string{"JWT_SECRET": ""}, "JWT_SECRET is required"},
		{"bad base64", map[string]string{"JWT_SECRET": "not base64!"}, "not valid base64"},
		{"bad bits", map[string]string{"CANVAS_COLOR_BITS": "3"}, "CANVAS_COLOR_BITS"},
		{"empty canvas", map[string]string{"CANVAS_WIDTH": "0"}, "at least 1x1"},
		{"negative cooldown", map[string]string{"COOLDOWN": "-1s"}, "COOLDOWN must not be negative"},
		{"sub-second cooldown", map[string]string{"COOLDOWN": "500ms"}, "COOLDOWN must be 0 or at least 1s"},
		{"unparseable cooldown", map[string]string{"COOLDOWN": "soon"}, "COOLDOWN"},
		{"no message size", map[string]string{"MAX_MESSAGE_SIZE": "0"}, "MAX_MESSAGE_SIZE"},
		{"no lock wait", map[string]string{"WRITE_LOCK_TIMEOUT": "0s"}, "WRITE_LOCK_TIMEOUT"},
		{"bad environment", map[string]string{"ENVIRONMENT": "staging"}, "ENVIRONMENT"},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", secretB64)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

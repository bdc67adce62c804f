package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the agent test service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         slog.Level

	// TokenServiceURL is the backend base URL; credentials come from
	// <TokenServiceURL>/token/generate-one.
	TokenServiceURL   string
	RealtimeServerURL string
	ICEServers        string

	SessionConnectTimeout time.Duration
	SessionIdleTimeout    time.Duration
	RoomNamePrefix        string
	ParticipantNamePrefix string

	// MicDevice selects the capture source: tone, silence, none, denied or wav:<path>.
	MicDevice string
	// AudioOutputDir, when set, records remote agent audio to files.
	AudioOutputDir string

	DatabaseURL string
	// ArchiveCapacity bounds the in-memory archive used without a database.
	ArchiveCapacity int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "agenttest"),
		TokenServiceURL:       envOrDefault("TOKEN_SERVICE_URL", "http://localhost:8000"),
		RealtimeServerURL:     envOrDefault("REALTIME_SERVER_URL", "ws://localhost:7880"),
		ICEServers:            envOrDefault("ICE_SERVERS", "stun:stun.l.google.com:19302"),
		RoomNamePrefix:        envOrDefault("ROOM_NAME_PREFIX", "agent-test"),
		ParticipantNamePrefix: envOrDefault("PARTICIPANT_NAME_PREFIX", "tester"),
		MicDevice:             envOrDefault("MIC_DEVICE", "tone"),
		AudioOutputDir:        trimmedEnv("AUDIO_OUTPUT_DIR"),
		DatabaseURL:           trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:       15 * time.Second,
		SessionConnectTimeout: 15 * time.Second,
		SessionIdleTimeout:    10 * time.Minute,
		LogLevel:              slog.LevelInfo,
		ArchiveCapacity:       200,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionConnectTimeout, err = durationFromEnv("SESSION_CONNECT_TIMEOUT", cfg.SessionConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ArchiveCapacity, err = intFromEnv("ARCHIVE_CAPACITY", cfg.ArchiveCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel, err = levelFromEnv("APP_LOG_LEVEL", cfg.LogLevel)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionConnectTimeout < time.Second {
		return Config{}, fmt.Errorf("SESSION_CONNECT_TIMEOUT must be at least 1s")
	}
	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.ArchiveCapacity <= 0 {
		return Config{}, fmt.Errorf("ARCHIVE_CAPACITY must be positive")
	}
	if err := validateURL("TOKEN_SERVICE_URL", cfg.TokenServiceURL, "http", "https"); err != nil {
		return Config{}, err
	}
	if err := validateURL("REALTIME_SERVER_URL", cfg.RealtimeServerURL, "ws", "wss", "http", "https"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s parse error: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL", key, strings.Join(schemes, "/"))
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return fallback, fmt.Errorf("%s parse error: %w", key, err)
	}
	return level, nil
}

package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" || cfg.MetricsNamespace != "agenttest" {
		t.Fatalf("unexpected server defaults: %+v", cfg)
	}
	if cfg.SessionConnectTimeout != 15*time.Second {
		t.Fatalf("SessionConnectTimeout = %s, want 15s", cfg.SessionConnectTimeout)
	}
	if cfg.RoomNamePrefix != "agent-test" || cfg.ParticipantNamePrefix != "tester" {
		t.Fatalf("unexpected prefixes: %q %q", cfg.RoomNamePrefix, cfg.ParticipantNamePrefix)
	}
	if cfg.MicDevice != "tone" || cfg.DatabaseURL != "" || cfg.AudioOutputDir != "" {
		t.Fatalf("unexpected media defaults: %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.ArchiveCapacity != 200 {
		t.Fatalf("LogLevel = %v, ArchiveCapacity = %d", cfg.LogLevel, cfg.ArchiveCapacity)
	}
}

func TestLoadUsesExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TOKEN_SERVICE_URL", " https://api.example.com ")
	t.Setenv("REALTIME_SERVER_URL", "wss://rtc.example.com")
	t.Setenv("SESSION_CONNECT_TIMEOUT", "5s")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("MIC_DEVICE", "wav:/tmp/prompt.wav")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TokenServiceURL != "https://api.example.com" {
		t.Fatalf("TokenServiceURL = %q, want trimmed value", cfg.TokenServiceURL)
	}
	if cfg.SessionConnectTimeout != 5*time.Second || !cfg.AllowAnyOrigin || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.MicDevice != "wav:/tmp/prompt.wav" {
		t.Fatalf("MicDevice = %q", cfg.MicDevice)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"SESSION_CONNECT_TIMEOUT": "10ms",
		"SESSION_IDLE_TIMEOUT":    "1s",
		"APP_SHUTDOWN_TIMEOUT":    "soon",
		"APP_ALLOW_ANY_ORIGIN":    "maybe",
		"APP_LOG_LEVEL":           "loud",
		"ARCHIVE_CAPACITY":        "0",
		"TOKEN_SERVICE_URL":       "ftp://example.com",
		"REALTIME_SERVER_URL":     "not a url",
	}
	for key, value := range cases {
		setCoreEnvEmpty(t)
		t.Setenv(key, value)
		if _, err := Load(); err == nil {
			t.Fatalf("Load() with %s=%q: expected error", key, value)
		}
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"TOKEN_SERVICE_URL",
		"REALTIME_SERVER_URL",
		"ICE_SERVERS",
		"SESSION_CONNECT_TIMEOUT",
		"SESSION_IDLE_TIMEOUT",
		"ROOM_NAME_PREFIX",
		"PARTICIPANT_NAME_PREFIX",
		"MIC_DEVICE",
		"AUDIO_OUTPUT_DIR",
		"DATABASE_URL",
		"ARCHIVE_CAPACITY",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ent0n29/agenttest/internal/agentsession"
	"github.com/ent0n29/agenttest/internal/archive"
	"github.com/ent0n29/agenttest/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:      "app_test",
		TokenServiceURL:       "http://127.0.0.1:1",
		RealtimeServerURL:     "ws://127.0.0.1:1",
		SessionConnectTimeout: time.Second,
		SessionIdleTimeout:    time.Minute,
		RoomNamePrefix:        "qa",
		ParticipantNamePrefix: "bot",
		MicDevice:             "silence",
		ArchiveCapacity:       5,
	}
}

func TestBuildWithoutDatabase(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	res, err := Build(context.Background(), testConfig(), logger)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	if _, ok := res.Archive.(*archive.InMemoryStore); !ok {
		t.Fatalf("Archive = %T, want *InMemoryStore", res.Archive)
	}
	info := res.Sessions.Create()
	ctrl, err := res.Sessions.Get(info.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ctrl.Status() != agentsession.StatusDisconnected {
		t.Fatalf("Status() = %s", ctrl.Status())
	}
	if err := res.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if len(res.Sessions.List()) != 0 {
		t.Fatalf("controllers survive cleanup")
	}
}

func TestControllerConfigCreatesAudioDir(t *testing.T) {
	cfg := testConfig()
	cfg.AudioOutputDir = filepath.Join(t.TempDir(), "recordings")

	ctrlCfg, err := ControllerConfig(cfg, Deps{})
	if err != nil {
		t.Fatalf("ControllerConfig() error = %v", err)
	}
	if _, err := os.Stat(cfg.AudioOutputDir); err != nil {
		t.Fatalf("audio dir not created: %v", err)
	}
	if ctrlCfg.ServerURL != cfg.RealtimeServerURL || ctrlCfg.RoomPrefix != "qa" || ctrlCfg.ConnectTimeout != time.Second {
		t.Fatalf("unexpected controller config: %+v", ctrlCfg)
	}
	if ctrlCfg.Transport == nil || ctrlCfg.Microphone == nil || ctrlCfg.Credentials == nil || ctrlCfg.Sinks == nil {
		t.Fatalf("controller config missing collaborators: %+v", ctrlCfg)
	}
}

func TestControllersDoNotShareMicrophone(t *testing.T) {
	cfg := testConfig()
	cfg.MicDevice = "tone"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base, err := ControllerConfig(cfg, Deps{Logger: logger})
	if err != nil {
		t.Fatalf("ControllerConfig() error = %v", err)
	}
	next := controllerConfigs(cfg, base)
	a, b := next(), next()

	ctx := context.Background()
	trackA, err := a.Microphone.Start(ctx)
	if err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	defer a.Microphone.Stop(trackA)
	trackB, err := b.Microphone.Start(ctx)
	if err != nil {
		t.Fatalf("second controller Start() error = %v, want its own tone device", err)
	}
	defer b.Microphone.Stop(trackB)

	if _, err := a.Microphone.Start(ctx); err == nil {
		t.Fatalf("same controller should not open its device twice")
	}
}

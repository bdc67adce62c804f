// Package app wires configuration into the controller, registry and HTTP API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ent0n29/agenttest/internal/agentsession"
	"github.com/ent0n29/agenttest/internal/archive"
	"github.com/ent0n29/agenttest/internal/config"
	"github.com/ent0n29/agenttest/internal/credential"
	"github.com/ent0n29/agenttest/internal/events"
	"github.com/ent0n29/agenttest/internal/httpapi"
	"github.com/ent0n29/agenttest/internal/microphone"
	"github.com/ent0n29/agenttest/internal/observability"
	"github.com/ent0n29/agenttest/internal/session"
	"github.com/ent0n29/agenttest/internal/transport"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Archive  archive.Store
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to close controllers and the archive.
	Cleanup func() error
}

// Deps are the shared collaborators of every controller in a process.
type Deps struct {
	Metrics *observability.Metrics
	Archive archive.Store
	Devices *microphone.Devices
	Logger  *slog.Logger
}

// ControllerConfig translates cfg into a controller configuration. Controllers
// built from one result share the microphone devices in deps.
func ControllerConfig(cfg config.Config, deps Deps) (agentsession.Config, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	devices := deps.Devices
	if devices == nil {
		devices = microphone.NewDevices()
	}

	sinks := events.CountingSinks()
	if dir := strings.TrimSpace(cfg.AudioOutputDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return agentsession.Config{}, fmt.Errorf("audio output dir: %w", err)
		}
		sinks = events.RecordingSinks(dir)
	}

	return agentsession.Config{
		ServerURL:   cfg.RealtimeServerURL,
		Credentials: credential.NewAcquirer(cfg.TokenServiceURL),
		Transport: transport.NewRoomFactory(transport.RoomConfig{
			ICE:    transport.ParseICEServers(cfg.ICEServers),
			Logger: logger,
		}),
		Microphone:        publisherMicrophone(cfg, devices, logger),
		Sinks:             sinks,
		Archive:           deps.Archive,
		Metrics:           deps.Metrics,
		Logger:            logger,
		ConnectTimeout:    cfg.SessionConnectTimeout,
		RoomPrefix:        cfg.RoomNamePrefix,
		ParticipantPrefix: cfg.ParticipantNamePrefix,
	}, nil
}

func publisherMicrophone(cfg config.Config, devices *microphone.Devices, logger *slog.Logger) agentsession.Microphone {
	return agentsession.PublisherMicrophone(microphone.NewPublisher(devices, microphone.Config{
		Device:      cfg.MicDevice,
		Constraints: microphone.SpeechConstraints(),
		Logger:      logger,
	}))
}

// controllerConfigs derives one configuration per controller from base. Capture
// devices are synthetic, so every controller gets its own device set and
// concurrent agent tests never contend for the same microphone.
func controllerConfigs(cfg config.Config, base agentsession.Config) func() agentsession.Config {
	return func() agentsession.Config {
		c := base
		c.Microphone = publisherMicrophone(cfg, microphone.NewDevices(), base.Logger)
		return c
	}
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := archive.NewStore(ctx, cfg.DatabaseURL, cfg.ArchiveCapacity)
	if err != nil {
		return nil, fmt.Errorf("archive store init failed: %w", err)
	}

	base, err := ControllerConfig(cfg, Deps{
		Metrics: metrics,
		Archive: store,
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	nextConfig := controllerConfigs(cfg, base)
	sessions := session.NewManager(cfg.SessionIdleTimeout, func() *agentsession.Controller {
		return agentsession.New(nextConfig())
	})
	sessions.SetExpireHook(func(info session.Info) {
		metrics.IncSessionEvent("controller_expired")
		logger.Info("agent test expired", "id", info.ID, "idle_since", info.LastActivityAt)
	})

	api := httpapi.New(cfg, sessions, store, metrics, logger)

	cleanup := func() error {
		sessions.CloseAll()
		if err := store.Close(); err != nil {
			return fmt.Errorf("archive close: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Archive:  store,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

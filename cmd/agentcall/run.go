package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/agenttest/internal/agent"
	"github.com/ent0n29/agenttest/internal/agentsession"
	"github.com/ent0n29/agenttest/internal/app"
	"github.com/ent0n29/agenttest/internal/config"
	"github.com/ent0n29/agenttest/internal/observability"
	"github.com/ent0n29/agenttest/internal/reliability"
	"github.com/ent0n29/agenttest/internal/transcript"
)

type runOptions struct {
	agentFile string
	tokenURL  string
	serverURL string
	mic       string
	recordDir string
	duration  time.Duration
	retries   int
	verbose   bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to an agent and stream the transcript",
		Long: `Connect to the agent described by an agent file, publish the microphone
and print every transcript line until interrupted.

Example agent file (agent.yaml):
  name: Agent1
  model: gpt-4o
  voice: alloy
  system_prompt: You are a helpful receptionist.
  vad:
    min_silence_duration: 0.5

Examples:
  agentcall run -f agent.yaml --token-url http://localhost:8000 --server-url ws://localhost:7880
  agentcall run -f agent.yaml --mic wav:prompt.wav --duration 30s --record-dir out/`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCall(ctx, cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.agentFile, "file", "f", "", "agent definition (YAML or JSON)")
	f.StringVar(&opts.tokenURL, "token-url", "", "credential service base URL (default $TOKEN_SERVICE_URL)")
	f.StringVar(&opts.serverURL, "server-url", "", "realtime server URL (default $REALTIME_SERVER_URL)")
	f.StringVar(&opts.mic, "mic", "", "capture device: tone, silence, none, denied or wav:<path> (default $MIC_DEVICE)")
	f.StringVar(&opts.recordDir, "record-dir", "", "write the agent's audio to this directory")
	f.DurationVar(&opts.duration, "duration", 0, "hang up after this long (0 = until interrupted)")
	f.IntVar(&opts.retries, "retries", 0, "retry retryable connect failures this many times")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log session internals to stderr")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <agent-file>",
		Short: "Check an agent file and print the credential metadata it produces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAgentFile(args[0])
			if err != nil {
				return err
			}
			meta, err := cfg.Metadata()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), meta)
			return nil
		},
	}
}

func runCall(ctx context.Context, out io.Writer, opts runOptions) error {
	agentCfg, err := loadAgentFile(opts.agentFile)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.tokenURL != "" {
		cfg.TokenServiceURL = opts.tokenURL
	}
	if opts.serverURL != "" {
		cfg.RealtimeServerURL = opts.serverURL
	}
	if opts.mic != "" {
		cfg.MicDevice = opts.mic
	}
	if opts.recordDir != "" {
		cfg.AudioOutputDir = opts.recordDir
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	metrics := observability.NewMetrics("agentcall")

	ctrlCfg, err := app.ControllerConfig(cfg, app.Deps{Metrics: metrics, Logger: logger})
	if err != nil {
		return err
	}
	ctrl := agentsession.New(ctrlCfg)
	defer ctrl.Close()

	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	printer := &transcriptPrinter{out: out}

	if err := connectWithRetry(ctx, ctrl, agentCfg, opts.retries, logger); err != nil {
		printer.flush(ctrl.Snapshot())
		return err
	}
	snap := ctrl.Snapshot()
	fmt.Fprintf(out, "room %s as %s\n", snap.RoomName, snap.ParticipantName)
	printer.flush(snap)

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case _, ok := <-updates:
			snap := ctrl.Snapshot()
			printer.flush(snap)
			if !ok || snap.Status == agentsession.StatusDisconnected {
				break loop
			}
		}
	}

	if err := ctrl.Disconnect(context.Background()); err != nil {
		return err
	}
	printer.flush(ctrl.Snapshot())
	printSummary(out, metrics.LatencySnapshot())
	return nil
}

func connectWithRetry(ctx context.Context, ctrl *agentsession.Controller, cfg agent.TestConfig, retries int, logger *slog.Logger) error {
	for attempt := 0; ; attempt++ {
		err := ctrl.Connect(ctx, cfg)
		if err == nil {
			return nil
		}
		retryable := reliability.IsRetryable(err) || errors.Is(err, agentsession.ErrConnectTimeout)
		if !retryable || attempt >= retries {
			return err
		}
		wait := reliability.ExponentialBackoff(attempt, 500*time.Millisecond, 8*time.Second)
		logger.Warn("connect failed; retrying", "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
	}
}

// transcriptPrinter writes each transcript line once, restarting when the
// controller starts a new session.
type transcriptPrinter struct {
	out        io.Writer
	generation uint64
	printed    int
}

func (p *transcriptPrinter) flush(snap agentsession.Snapshot) {
	if snap.Generation != p.generation {
		p.generation = snap.Generation
		p.printed = 0
	}
	for _, m := range snap.Messages[min(p.printed, len(snap.Messages)):] {
		fmt.Fprintln(p.out, formatMessage(m))
	}
	p.printed = max(p.printed, len(snap.Messages))
}

func formatMessage(m transcript.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", m.Sender, m.Text)
	if len(m.ToolCalls) > 0 {
		fmt.Fprintf(&b, " (tools: %s)", strings.Join(m.ToolCalls, ", "))
	}
	if ps := m.PerformanceStats; !ps.Empty() {
		var parts []string
		for _, s := range []struct {
			name string
			v    *float64
		}{{"stt", ps.STTDurationMS}, {"llm", ps.LLMDurationMS}, {"tts", ps.TTSDurationMS}} {
			if s.v != nil {
				parts = append(parts, fmt.Sprintf("%s %.0fms", s.name, *s.v))
			}
		}
		fmt.Fprintf(&b, " {%s}", strings.Join(parts, ", "))
	}
	return b.String()
}

func printSummary(out io.Writer, snap observability.LatencySnapshot) {
	for _, s := range snap.Stages {
		if s.Samples == 0 {
			continue
		}
		line := fmt.Sprintf("%-10s n=%-3d avg=%.0fms p95=%.0fms max=%.0fms", s.Stage, s.Samples, s.AvgMS, s.P95MS, s.MaxMS)
		if s.OverTarget > 0 {
			line += fmt.Sprintf(" (%d over %.0fms target)", s.OverTarget, s.TargetP95MS)
		}
		fmt.Fprintln(out, line)
	}
	if snap.Turns > 0 {
		fmt.Fprintf(out, "%d agent turns measured\n", snap.Turns)
	}
}

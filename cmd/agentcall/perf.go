package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/agenttest/internal/agent"
	"github.com/ent0n29/agenttest/internal/agentsession"
	"github.com/ent0n29/agenttest/internal/observability"
	"github.com/ent0n29/agenttest/internal/protocol"
	"github.com/ent0n29/agenttest/internal/transcript"
)

type perfOptions struct {
	baseURL      string
	agentFile    string
	calls        int
	hold         time.Duration
	callTimeout  time.Duration
	interCallGap time.Duration
	verbose      bool
}

// callResult is one measured call driven through the server's stream API.
type callResult struct {
	Room         string
	Connect      time.Duration
	FirstReply   time.Duration
	Messages     int
	FailedReason string
}

type streamFrame struct {
	Type    protocol.MessageType `json:"type"`
	Status  string               `json:"status"`
	Room    string               `json:"room_name"`
	Message transcript.Message   `json:"message"`
	Code    string               `json:"code"`
	Detail  string               `json:"detail"`
}

func newPerfCmd() *cobra.Command {
	var opts perfOptions
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Drive repeated test calls through an agenttest server and report latency",
		Long: `Create a test controller on a running agenttest server, then connect and
hang up repeatedly over its websocket stream. Reports time to connected and time
to the agent's first reply per call, followed by the server's stage latency window.

Example:
  agentcall perf --base-url http://localhost:8080 -f agent.yaml --calls 5 --hold 10s`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAgentFile(opts.agentFile)
			if err != nil {
				return err
			}
			return runPerf(cmd.Context(), cmd.OutOrStdout(), opts, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "agenttest server base URL")
	f.StringVarP(&opts.agentFile, "file", "f", "", "agent definition (YAML or JSON)")
	f.IntVar(&opts.calls, "calls", 3, "number of sequential calls")
	f.DurationVar(&opts.hold, "hold", 5*time.Second, "how long each call stays up waiting for replies")
	f.DurationVar(&opts.callTimeout, "call-timeout", 30*time.Second, "max time to reach connected")
	f.DurationVar(&opts.interCallGap, "gap", 500*time.Millisecond, "pause between calls")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "print every stream frame")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runPerf(ctx context.Context, out io.Writer, opts perfOptions, cfg agent.TestConfig) error {
	if opts.calls <= 0 {
		return fmt.Errorf("--calls must be positive")
	}
	client := &http.Client{Timeout: 30 * time.Second}

	id, err := createAgentTest(ctx, client, opts.baseURL)
	if err != nil {
		return fmt.Errorf("create agent test: %w", err)
	}
	defer func() { _ = deleteAgentTest(context.Background(), client, opts.baseURL, id) }()

	wsURL, err := streamURL(opts.baseURL, id)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	frames := make(chan streamFrame, 256)
	readErr := make(chan error, 1)
	go readFrames(conn, frames, readErr)

	var results []callResult
	for i := 0; i < opts.calls; i++ {
		res, err := perfCall(ctx, conn, frames, readErr, cfg, opts, out)
		if err != nil {
			return fmt.Errorf("call %d: %w", i+1, err)
		}
		results = append(results, res)
		fmt.Fprintf(out, "call %d room=%s connect=%s first_reply=%s messages=%d %s\n",
			i+1, res.Room, res.Connect.Round(time.Millisecond), formatLatency(res.FirstReply), res.Messages, res.FailedReason)
		if opts.interCallGap > 0 && i < opts.calls-1 {
			time.Sleep(opts.interCallGap)
		}
	}

	printPerfSummary(out, results)
	if stages, err := fetchStageLatency(ctx, client, opts.baseURL); err == nil {
		fmt.Fprintln(out, "server stage latency:")
		printSummary(out, stages)
	}
	return nil
}

func perfCall(ctx context.Context, conn *websocket.Conn, frames <-chan streamFrame, readErr <-chan error, cfg agent.TestConfig, opts perfOptions, out io.Writer) (callResult, error) {
	var res callResult
	start := time.Now()
	if err := conn.WriteJSON(protocol.ClientConnect{Type: protocol.TypeClientConnect, Agent: cfg}); err != nil {
		return res, fmt.Errorf("send connect: %w", err)
	}

	connectDeadline := time.NewTimer(opts.callTimeout)
	defer connectDeadline.Stop()
	var holdUntil <-chan time.Time
	connected := false

	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case err := <-readErr:
			return res, fmt.Errorf("ws read: %w", err)
		case <-connectDeadline.C:
			if !connected {
				return res, fmt.Errorf("not connected after %s", opts.callTimeout)
			}
		case <-holdUntil:
			return res, hangUp(ctx, conn, frames, readErr, opts.callTimeout)
		case f := <-frames:
			if opts.verbose {
				fmt.Fprintf(out, "  %s %s %s %s\n", f.Type, f.Status, f.Message.Sender, f.Message.Text)
			}
			switch f.Type {
			case protocol.TypeStatus:
				switch agentsession.Status(f.Status) {
				case agentsession.StatusConnected:
					if !connected {
						connected = true
						res.Connect = time.Since(start)
						res.Room = f.Room
						holdUntil = time.After(opts.hold)
					}
				case agentsession.StatusConnectionFailed:
					res.FailedReason = "connection_failed"
					return res, nil
				case agentsession.StatusDisconnected:
					if connected {
						res.FailedReason = "ended_by_server"
						return res, nil
					}
				}
			case protocol.TypeTranscriptMessage:
				res.Messages++
				if isAgentReply(f.Message) && res.FirstReply == 0 {
					res.FirstReply = time.Since(start)
				}
			case protocol.TypeErrorEvent:
				if !connected {
					res.FailedReason = f.Code
				}
			}
		}
	}
}

func hangUp(ctx context.Context, conn *websocket.Conn, frames <-chan streamFrame, readErr <-chan error, timeout time.Duration) error {
	if err := conn.WriteJSON(protocol.ClientDisconnect{Type: protocol.TypeClientDisconnect}); err != nil {
		return fmt.Errorf("send disconnect: %w", err)
	}
	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("ws read: %w", err)
		case <-deadline:
			return fmt.Errorf("not disconnected after %s", timeout)
		case f := <-frames:
			if f.Type == protocol.TypeStatus && agentsession.Status(f.Status) == agentsession.StatusDisconnected {
				return nil
			}
		}
	}
}

// isAgentReply excludes the controller's own status lines.
func isAgentReply(m transcript.Message) bool {
	return m.Sender == transcript.SenderBot && m.Text != agentsession.MessageConnected
}

func readFrames(conn *websocket.Conn, frames chan<- streamFrame, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var f streamFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		frames <- f
	}
}

func createAgentTest(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/agent-tests", bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("missing id in response")
	}
	return created.ID, nil
}

func deleteAgentTest(ctx context.Context, client *http.Client, baseURL, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, strings.TrimRight(baseURL, "/")+"/v1/agent-tests/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	return res.Body.Close()
}

func fetchStageLatency(ctx context.Context, client *http.Client, baseURL string) (observability.LatencySnapshot, error) {
	var snap observability.LatencySnapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/v1/perf/latency", nil)
	if err != nil {
		return snap, err
	}
	res, err := client.Do(req)
	if err != nil {
		return snap, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("status %d", res.StatusCode)
	}
	err = json.NewDecoder(res.Body).Decode(&snap)
	return snap, err
}

func streamURL(baseURL, id string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/agent-tests/" + url.PathEscape(id) + "/ws"
	return u.String(), nil
}

func printPerfSummary(out io.Writer, results []callResult) {
	var connects, replies []time.Duration
	for _, r := range results {
		if r.Connect > 0 {
			connects = append(connects, r.Connect)
		}
		if r.FirstReply > 0 {
			replies = append(replies, r.FirstReply)
		}
	}
	fmt.Fprintf(out, "connect     n=%-3d p50=%s p95=%s\n", len(connects), formatLatency(percentile(connects, 0.50)), formatLatency(percentile(connects, 0.95)))
	fmt.Fprintf(out, "first_reply n=%-3d p50=%s p95=%s\n", len(replies), formatLatency(percentile(replies, 0.50)), formatLatency(percentile(replies, 0.95)))
}

// percentile uses nearest-rank over a sorted copy.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted))*p+0.999999) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

func formatLatency(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

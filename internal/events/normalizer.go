// Package events turns inbound room data and remote audio into transcript messages
// and output sinks.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/rtp"

	"github.com/ent0n29/agenttest/internal/observability"
	"github.com/ent0n29/agenttest/internal/protocol"
	"github.com/ent0n29/agenttest/internal/transcript"
	"github.com/ent0n29/agenttest/internal/transport"
)

// MalformedMessageText replaces a text-message payload that could not be parsed.
const MalformedMessageText = "Received a malformed message from the agent."

var errReleased = errors.New("attachment released")

// MalformedEventError describes an unparseable inbound payload. It is logged,
// never returned to callers.
type MalformedEventError struct {
	Topic string
	Size  int
	Err   error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s payload (%d bytes): %v", e.Topic, e.Size, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

type Config struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// Sinks creates the output for each remote audio track. Defaults to a
	// counting sink.
	Sinks SinkFactory
}

// Normalizer classifies data events in delivery order and owns every remote
// audio attachment of one session.
type Normalizer struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	sinks   SinkFactory

	mu          sync.Mutex
	attachments map[string]*attachment
	pumps       sync.WaitGroup
}

func NewNormalizer(cfg Config) *Normalizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sinks := cfg.Sinks
	if sinks == nil {
		sinks = CountingSinks()
	}
	return &Normalizer{
		logger:      logger.With("component", "normalizer"),
		metrics:     cfg.Metrics,
		sinks:       sinks,
		attachments: make(map[string]*attachment),
	}
}

// HandleData converts one data-channel message. ok is false when the topic is
// not modeled and the message was dropped.
func (n *Normalizer) HandleData(topic string, payload []byte) (msg transcript.Message, ok bool) {
	switch topic {
	case protocol.TopicTextMessage:
		return n.textMessage(payload), true
	case protocol.TopicChat:
		n.metrics.IncDataEvent(topic, "accepted")
		return transcript.Message{Text: string(payload), Sender: transcript.SenderBot}, true
	default:
		n.metrics.IncDataEvent("other", "dropped")
		n.logger.Debug("dropping data message", "topic", topic, "bytes", len(payload))
		return transcript.Message{}, false
	}
}

func (n *Normalizer) textMessage(payload []byte) transcript.Message {
	body, err := protocol.ParseTextMessage(payload)
	if err != nil {
		merr := &MalformedEventError{Topic: protocol.TopicTextMessage, Size: len(payload), Err: err}
		n.logger.Warn("malformed agent message", "error", merr)
		n.metrics.IncDataEvent(protocol.TopicTextMessage, "malformed")
		n.metrics.ObserveIndicator("malformed_message")
		return transcript.Message{Text: MalformedMessageText, Sender: transcript.SenderBot}
	}
	n.metrics.IncDataEvent(protocol.TopicTextMessage, "accepted")

	msg := transcript.Message{Text: body.Content, Sender: transcript.SenderBot}
	if body.Role == "user" {
		msg.Sender = transcript.SenderUser
	}
	if len(body.ToolCalls) > 0 {
		msg.ToolCalls = append([]string(nil), body.ToolCalls...)
		n.metrics.ObserveIndicator("tool_call")
	}
	if ps := body.PerformanceStats; ps != nil {
		stats := &transcript.PerformanceStats{
			STTDurationMS: ps.STTDurationMS,
			LLMDurationMS: ps.LLMDurationMS,
			TTSDurationMS: ps.TTSDurationMS,
		}
		if !stats.Empty() {
			msg.PerformanceStats = stats
			n.observeStats(stats)
		}
	}
	return msg
}

func (n *Normalizer) observeStats(s *transcript.PerformanceStats) {
	total, complete := 0.0, true
	for _, st := range []struct {
		stage string
		v     *float64
	}{
		{observability.StageSTT, s.STTDurationMS},
		{observability.StageLLM, s.LLMDurationMS},
		{observability.StageTTS, s.TTSDurationMS},
	} {
		if st.v == nil {
			complete = false
			continue
		}
		n.metrics.ObserveStage(st.stage, *st.v)
		total += *st.v
	}
	if complete {
		n.metrics.ObserveStage(observability.StageTurnTotal, total)
	}
}

// Attach starts playing a remote audio track into a new sink. Non-audio tracks
// and duplicate ids are ignored.
func (n *Normalizer) Attach(track transport.RemoteTrack) error {
	if track == nil || track.Kind() != transport.TrackKindAudio {
		return nil
	}
	id := track.ID()

	n.mu.Lock()
	if _, exists := n.attachments[id]; exists {
		n.mu.Unlock()
		return nil
	}
	sink, err := n.sinks(track)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("create sink for track %s: %w", id, err)
	}
	a := &attachment{id: id, participant: track.ParticipantIdentity(), sink: sink}
	n.attachments[id] = a
	n.pumps.Add(1)
	n.mu.Unlock()

	n.metrics.AttachmentOpened()
	n.logger.Info("remote audio attached", "track", id, "participant", a.participant, "codec", track.Codec())
	go n.pump(track, a)
	return nil
}

func (n *Normalizer) pump(track transport.RemoteTrack, a *attachment) {
	defer n.pumps.Done()
	defer n.Release(a.id)
	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			n.logger.Debug("remote audio ended", "track", a.id, "error", err)
			return
		}
		if err := a.write(pkt); err != nil {
			if !errors.Is(err, errReleased) {
				n.logger.Warn("writing remote audio failed", "track", a.id, "error", err)
			}
			return
		}
		n.metrics.IncRemoteAudioPackets()
	}
}

// Release disposes of one attachment. Repeated calls are no-ops.
func (n *Normalizer) Release(trackID string) {
	n.mu.Lock()
	a, ok := n.attachments[trackID]
	delete(n.attachments, trackID)
	n.mu.Unlock()
	if !ok {
		return
	}
	n.release(a)
}

func (n *Normalizer) release(a *attachment) {
	if err := a.close(); err != nil {
		n.logger.Warn("closing audio sink failed", "track", a.id, "error", err)
	}
	n.metrics.AttachmentReleased()
	n.logger.Debug("remote audio released", "track", a.id)
}

// ReleaseAll disposes of every attachment and waits for their pumps, which end
// once the transport closes the tracks.
func (n *Normalizer) ReleaseAll() {
	n.mu.Lock()
	all := n.attachments
	n.attachments = make(map[string]*attachment)
	n.mu.Unlock()
	for _, a := range all {
		n.release(a)
	}
	n.pumps.Wait()
}

func (n *Normalizer) ActiveAttachments() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.attachments))
	for id := range n.attachments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type attachment struct {
	id          string
	participant string

	mu       sync.Mutex
	sink     Sink
	released bool
}

func (a *attachment) write(pkt *rtp.Packet) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return errReleased
	}
	return a.sink.WriteRTP(pkt)
}

func (a *attachment) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	a.released = true
	return a.sink.Close()
}

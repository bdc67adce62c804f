// Package agentsession runs live test calls against a voice agent: it acquires a
// room credential, joins the room, publishes the microphone and turns the agent's
// events into an ordered transcript.
package agentsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/agenttest/internal/agent"
	"github.com/ent0n29/agenttest/internal/archive"
	"github.com/ent0n29/agenttest/internal/events"
	"github.com/ent0n29/agenttest/internal/microphone"
	"github.com/ent0n29/agenttest/internal/observability"
	"github.com/ent0n29/agenttest/internal/policy"
	"github.com/ent0n29/agenttest/internal/reliability"
	"github.com/ent0n29/agenttest/internal/transcript"
	"github.com/ent0n29/agenttest/internal/transport"
)

type Status string

const (
	StatusDisconnected     Status = "disconnected"
	StatusConnecting       Status = "connecting"
	StatusConnected        Status = "connected"
	StatusConnectionFailed Status = "connection_failed"
)

var (
	ErrClosed         = errors.New("session controller closed")
	ErrConnectTimeout = errors.New("timed out connecting to the agent")
)

// Transcript lines written by the controller itself.
const (
	MessageConnected     = "Connected. Microphone is active."
	MessageRemoteEnded   = "Session ended by the server."
	connectionFailedText = "Connection failed: "
	micUnavailableText   = "Connected, but the microphone is unavailable: "
)

const (
	DefaultConnectTimeout = 15 * time.Second
	archiveTimeout        = 5 * time.Second
)

// CredentialAcquirer issues the bearer credential for one room identity.
type CredentialAcquirer interface {
	Acquire(ctx context.Context, identity agent.Identity, cfg agent.TestConfig) (string, error)
}

type Config struct {
	ServerURL   string
	Credentials CredentialAcquirer
	Transport   transport.Factory
	// Microphone may be nil, in which case every session runs without audio input.
	Microphone Microphone
	Sinks      events.SinkFactory
	Archive    archive.Store
	Metrics    *observability.Metrics
	Logger     *slog.Logger

	ConnectTimeout    time.Duration
	RoomPrefix        string
	ParticipantPrefix string
	Now               func() time.Time
}

// Snapshot is a consistent copy of the controller's observable state.
type Snapshot struct {
	Status           Status               `json:"status"`
	Messages         []transcript.Message `json:"messages"`
	MicrophoneActive bool                 `json:"microphone_active"`
	RoomName         string               `json:"room_name,omitempty"`
	ParticipantName  string               `json:"participant_name,omitempty"`
	Generation       uint64               `json:"generation"`
}

// Controller owns at most one live session at a time. Connect, Disconnect and
// Close are serialized; a Connect issued while another session is live tears
// that session down completely before acquiring anything new.
type Controller struct {
	cfg        Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	normalizer *events.Normalizer

	opMu               sync.Mutex
	pendingDisconnects atomic.Int32

	// Guarded by opMu.
	session  transport.Session
	micTrack MicrophoneTrack
	loopDone chan struct{}

	mu         sync.RWMutex
	status     Status
	micActive  bool
	identity   agent.Identity
	agentName  string
	startedAt  time.Time
	generation uint64
	closed     bool
	log        transcript.Log

	subMu      sync.Mutex
	subs       map[int]chan struct{}
	nextSub    int
	subsClosed bool
}

func New(cfg Config) *Controller {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent_session")
	return &Controller{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		normalizer: events.NewNormalizer(events.Config{
			Logger:  logger,
			Metrics: cfg.Metrics,
			Sinks:   cfg.Sinks,
		}),
		status: StatusDisconnected,
		subs:   make(map[int]chan struct{}),
	}
}

// Connect starts a fresh session for cfg. Credential and join failures move the
// controller to StatusConnectionFailed, append an error line and are returned.
// A microphone failure leaves the session connected and is only reported in
// the transcript.
func (c *Controller) Connect(ctx context.Context, cfg agent.TestConfig) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}

	c.teardownLocked(ctx, "reconnect")

	identity := agent.NewIdentity(c.cfg.RoomPrefix, c.cfg.ParticipantPrefix, c.cfg.Now())
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.log.Reset()
	c.identity = identity
	c.agentName = cfg.Name
	c.startedAt = c.cfg.Now().UTC()
	c.status = StatusConnecting
	c.micActive = false
	c.mu.Unlock()
	c.notify()
	c.metrics.IncSessionEvent("connect_started")
	c.logger.Info("connecting", "room", identity.RoomName, "participant", identity.ParticipantName, "agent", cfg.Name)

	started := time.Now()
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	sess := c.cfg.Transport()
	if err := c.establish(connectCtx, sess, identity, cfg); err != nil {
		if lerr := sess.Leave(); lerr != nil {
			c.logger.Warn("leaving failed session", "error", lerr)
		}
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", ErrConnectTimeout, c.cfg.ConnectTimeout, err)
		}
		c.mu.Lock()
		c.status = StatusConnectionFailed
		c.identity = agent.Identity{}
		c.appendLocked(transcript.Message{Text: connectionFailedText + err.Error(), Sender: transcript.SenderError})
		c.mu.Unlock()
		c.notify()
		c.metrics.IncSessionEvent("connection_failed")
		c.logger.Warn("connection failed", "room", identity.RoomName, "error", err)
		return err
	}

	done := make(chan struct{})
	c.session = sess
	c.loopDone = done
	go c.runEvents(gen, sess, done)

	c.mu.Lock()
	c.status = StatusConnected
	c.mu.Unlock()
	c.notify()
	c.metrics.SessionStarted()
	c.metrics.IncSessionEvent("connected")
	c.metrics.ObserveConnectLatency(time.Since(started))
	c.logger.Info("connected", "room", identity.RoomName, "latency_ms", time.Since(started).Milliseconds())

	if c.pendingDisconnects.Load() > 0 {
		c.logger.Debug("disconnect pending; skipping microphone", "room", identity.RoomName)
		return nil
	}
	c.startMicrophoneLocked(ctx, sess)
	return nil
}

func (c *Controller) establish(ctx context.Context, sess transport.Session, identity agent.Identity, cfg agent.TestConfig) error {
	token, err := c.cfg.Credentials.Acquire(ctx, identity, cfg)
	if err != nil {
		c.metrics.IncCredentialError(reliability.IsRetryable(err))
		return err
	}
	return sess.Join(ctx, c.cfg.ServerURL, token)
}

func (c *Controller) startMicrophoneLocked(ctx context.Context, sess transport.Session) {
	var (
		track MicrophoneTrack
		err   error
	)
	if c.cfg.Microphone == nil {
		err = &microphone.MicrophoneError{Err: microphone.ErrNoDevice}
	} else {
		track, err = c.cfg.Microphone.Start(ctx)
		if err == nil {
			pubCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
			err = sess.PublishLocalTrack(pubCtx, track.RTC())
			cancel()
			if err != nil {
				c.cfg.Microphone.Stop(track)
			}
		}
	}
	if err != nil {
		c.metrics.IncMicrophoneError(microphoneReason(err))
		c.logger.Warn("microphone unavailable", "error", err)
		c.mu.Lock()
		c.appendLocked(transcript.Message{Text: micUnavailableText + err.Error(), Sender: transcript.SenderError})
		c.mu.Unlock()
		c.notify()
		return
	}

	c.micTrack = track
	c.mu.Lock()
	c.micActive = true
	c.appendLocked(transcript.Message{Text: MessageConnected, Sender: transcript.SenderBot})
	c.mu.Unlock()
	c.notify()
}

// Disconnect tears down the live session, if any. It is a no-op when already
// disconnected. A Disconnect issued during Connect waits for it to settle.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.pendingDisconnects.Add(1)
	c.opMu.Lock()
	c.pendingDisconnects.Add(-1)
	defer c.opMu.Unlock()
	c.teardownLocked(ctx, "disconnect")
	return nil
}

// Close disconnects and rejects further connects. Subscriber channels are closed.
func (c *Controller) Close() error {
	c.pendingDisconnects.Add(1)
	c.opMu.Lock()
	c.pendingDisconnects.Add(-1)
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.teardownLocked(context.Background(), "closed")
	c.closeSubscribers()
	return nil
}

func (c *Controller) teardownLocked(ctx context.Context, reason string) {
	c.mu.RLock()
	status := c.status
	c.mu.RUnlock()
	if status == StatusDisconnected && c.session == nil {
		return
	}

	if c.micTrack != nil {
		c.cfg.Microphone.Stop(c.micTrack)
		c.micTrack = nil
	}
	if c.session != nil {
		if err := c.session.Leave(); err != nil {
			c.logger.Warn("leaving room failed", "error", err)
		}
		<-c.loopDone
		c.session = nil
		c.loopDone = nil
		c.normalizer.ReleaseAll()
		c.metrics.SessionEnded()
		c.archiveTranscript(ctx, reason)
	}

	c.mu.Lock()
	room := c.identity.RoomName
	c.status = StatusDisconnected
	c.micActive = false
	c.identity = agent.Identity{}
	c.mu.Unlock()
	c.notify()
	c.metrics.IncSessionEvent("disconnected")
	c.logger.Info("disconnected", "room", room, "reason", reason)
}

func (c *Controller) archiveTranscript(ctx context.Context, reason string) {
	if c.cfg.Archive == nil {
		return
	}
	c.mu.RLock()
	rec := archive.Record{
		RoomName:        c.identity.RoomName,
		ParticipantName: c.identity.ParticipantName,
		AgentName:       c.agentName,
		StartedAt:       c.startedAt,
		EndedAt:         c.cfg.Now().UTC(),
		EndReason:       reason,
	}
	msgs := c.log.Messages()
	c.mu.RUnlock()
	rec.Messages, rec.PIIRedacted = policy.RedactTranscript(msgs)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := c.cfg.Archive.SaveTranscript(saveCtx, rec); err != nil {
		c.logger.Warn("archiving transcript failed", "room", rec.RoomName, "error", err)
	}
}

func (c *Controller) runEvents(gen uint64, sess transport.Session, done chan struct{}) {
	defer close(done)
	for ev := range sess.Events() {
		switch ev.Kind {
		case transport.EventData:
			if msg, ok := c.normalizer.HandleData(ev.Topic, ev.Payload); ok {
				c.appendForGeneration(gen, msg)
			}
		case transport.EventTrackSubscribed:
			if err := c.normalizer.Attach(ev.Track); err != nil {
				c.logger.Warn("attaching remote track failed", "track", ev.TrackID, "error", err)
			}
		case transport.EventTrackUnsubscribed:
			c.normalizer.Release(ev.TrackID)
		case transport.EventParticipantJoined:
			c.logger.Info("participant joined", "participant", ev.Participant.Identity)
		case transport.EventParticipantLeft:
			c.logger.Info("participant left", "participant", ev.Participant.Identity)
		case transport.EventDisconnected:
			c.logger.Warn("room closed remotely", "reason", ev.Reason)
			go c.remoteClosed(gen)
		}
	}
}

func (c *Controller) remoteClosed(gen uint64) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	live := c.generation == gen && c.status == StatusConnected
	if live {
		c.appendLocked(transcript.Message{Text: MessageRemoteEnded, Sender: transcript.SenderError})
	}
	c.mu.Unlock()
	if !live {
		return
	}
	c.notify()
	c.metrics.IncSessionEvent("remote_closed")
	c.teardownLocked(context.Background(), "remote_closed")
}

func (c *Controller) appendForGeneration(gen uint64, msg transcript.Message) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.appendLocked(msg)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) appendLocked(msg transcript.Message) {
	c.log.Append(msg)
	c.metrics.IncTranscriptMessage(string(msg.Sender))
}

func (c *Controller) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Status:           c.status,
		Messages:         c.log.Messages(),
		MicrophoneActive: c.micActive,
		RoomName:         c.identity.RoomName,
		ParticipantName:  c.identity.ParticipantName,
		Generation:       c.generation,
	}
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// ActiveAttachments lists remote audio tracks currently playing.
func (c *Controller) ActiveAttachments() []string {
	return c.normalizer.ActiveAttachments()
}

// Subscribe returns a channel signalled after every observable change. Signals
// coalesce, so receivers should read Snapshot. cancel releases the subscription.
func (c *Controller) Subscribe() (<-chan struct{}, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ch := make(chan struct{}, 1)
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Controller) notify() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *Controller) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		return
	}
	c.subsClosed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

func microphoneReason(err error) string {
	switch {
	case errors.Is(err, microphone.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, microphone.ErrNoDevice):
		return "no_device"
	case errors.Is(err, microphone.ErrDeviceBusy):
		return "busy"
	case errors.Is(err, microphone.ErrUnsupported):
		return "unsupported"
	default:
		return "publish_failed"
	}
}

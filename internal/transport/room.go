package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/ent0n29/agenttest/internal/protocol"
	"github.com/ent0n29/agenttest/internal/reliability"
)

const (
	defaultJoinTimeout = 15 * time.Second
	writeWait          = 5 * time.Second
	eventBuffer        = 256
	dataChannelLabel   = "_reliable"
)

type RoomConfig struct {
	ICE    ICEConfig
	Logger *slog.Logger
	// IncludeLoopback gathers loopback candidates, needed when the server runs on
	// the same host.
	IncludeLoopback bool
}

// Room is a Session backed by websocket signaling and a pion PeerConnection.
// A Room is single use: create a new one per connection attempt.
type Room struct {
	cfg    RoomConfig
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex
	pc      *webrtc.PeerConnection
	negMu   sync.Mutex
	answers chan string

	mu           sync.Mutex
	roomName     string
	local        Participant
	participants map[string]Participant
	trackOwners  map[string]string
	subscribed   map[string]string
	joined       bool
	readStarted  bool

	events       chan Event
	eventsMu     sync.RWMutex
	eventsClosed bool

	joinStarted atomic.Bool
	leaving     atomic.Bool
	leaveOnce   sync.Once
	closing     chan struct{}
	readDone    chan struct{}
}

func NewRoom(cfg RoomConfig) *Room {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Room{
		cfg:          cfg,
		logger:       logger.With("component", "room"),
		answers:      make(chan string, 1),
		participants: make(map[string]Participant),
		trackOwners:  make(map[string]string),
		subscribed:   make(map[string]string),
		events:       make(chan Event, eventBuffer),
		closing:      make(chan struct{}),
		readDone:     make(chan struct{}),
	}
}

func NewRoomFactory(cfg RoomConfig) Factory {
	return func() Session {
		return NewRoom(cfg)
	}
}

func (r *Room) Events() <-chan Event {
	return r.events
}

// RoomName returns the name announced by the server, empty before Join.
func (r *Room) RoomName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomName
}

func (r *Room) Participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (r *Room) Join(ctx context.Context, serverURL, credential string) error {
	if r.leaving.Load() {
		return &TransportError{Op: "join", Err: ErrClosed}
	}
	if !r.joinStarted.CompareAndSwap(false, true) {
		return &TransportError{Op: "join", Err: errors.New("room already joined")}
	}

	wsURL, err := signalingURL(serverURL, credential)
	if err != nil {
		return &TransportError{Op: "join", URL: serverURL, Err: err}
	}

	joinCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		joinCtx, cancel = context.WithTimeout(ctx, defaultJoinTimeout)
		defer cancel()
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+credential)
	conn, resp, err := websocket.DefaultDialer.DialContext(joinCtx, wsURL, headers)
	if err != nil {
		terr := &TransportError{Op: "join", URL: wsURL, Retryable: true, Err: err}
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				terr.Retryable = false
				terr.Err = fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
			default:
				terr.Retryable = reliability.IsRetryableHTTPStatus(resp.StatusCode)
				terr.Err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
			}
		}
		return terr
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	joinMsg, err := r.readJoin(joinCtx)
	if err != nil {
		_ = r.Leave()
		var terr *TransportError
		if errors.As(err, &terr) {
			terr.URL = wsURL
			return terr
		}
		return &TransportError{Op: "join", URL: wsURL, Err: err}
	}
	r.recordJoin(joinMsg)

	pc, err := r.newPeerConnection()
	if err != nil {
		_ = r.Leave()
		return &TransportError{Op: "join", URL: wsURL, Err: err}
	}
	r.mu.Lock()
	r.pc = pc
	r.readStarted = true
	r.mu.Unlock()
	if err := r.setupPeer(pc); err != nil {
		close(r.readDone)
		_ = r.Leave()
		return &TransportError{Op: "join", URL: wsURL, Err: err}
	}

	go r.readLoop()

	if err := r.negotiate(joinCtx); err != nil {
		_ = r.Leave()
		return &TransportError{Op: "join", URL: wsURL, Retryable: true, Err: err}
	}

	r.mu.Lock()
	r.joined = true
	r.mu.Unlock()
	r.logger.Info("joined room",
		"room", joinMsg.Room,
		"participant", r.local.Identity,
		"remote_participants", len(joinMsg.Participants),
	)
	return nil
}

func (r *Room) readJoin(ctx context.Context) (protocol.SignalMessage, error) {
	deadline, _ := ctx.Deadline()
	_ = r.conn.SetReadDeadline(deadline)
	defer func() { _ = r.conn.SetReadDeadline(time.Time{}) }()

	_, raw, err := r.conn.ReadMessage()
	if err != nil {
		return protocol.SignalMessage{}, fmt.Errorf("read join: %w", err)
	}
	msg, err := protocol.ParseSignal(raw)
	if err != nil {
		return protocol.SignalMessage{}, fmt.Errorf("read join: %w", err)
	}
	switch msg.Type {
	case protocol.SignalJoin:
		return msg, nil
	case protocol.SignalError:
		detail := strings.TrimSpace(msg.Detail)
		if detail == "" {
			detail = msg.Code
		}
		return protocol.SignalMessage{}, &TransportError{
			Op:        "join",
			Code:      msg.Code,
			Retryable: reliability.IsRetryableSignalCode(msg.Code),
			Err:       errors.New(detail),
		}
	default:
		return protocol.SignalMessage{}, fmt.Errorf("unexpected first signal %q", msg.Type)
	}
}

func (r *Room) recordJoin(msg protocol.SignalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomName = msg.Room
	r.local = participantFromInfo(*msg.Participant)
	for _, p := range msg.Participants {
		if strings.TrimSpace(p.Identity) == "" {
			continue
		}
		r.participants[p.Identity] = participantFromInfo(p)
	}
}

func (r *Room) newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	if r.cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: r.cfg.ICE.Servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

func (r *Room) setupPeer(pc *webrtc.PeerConnection) error {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	dc.OnOpen(func() {
		r.logger.Debug("data channel opened", "label", dataChannelLabel)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		r.handleData(msg.Data)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.handleTrack(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed && !r.leaving.Load() {
			r.emit(Event{Kind: EventDisconnected, Reason: "media connection failed"})
		}
	})
	return nil
}

// negotiate runs one client-initiated offer/answer exchange with vanilla ICE.
func (r *Room) negotiate(ctx context.Context) error {
	r.negMu.Lock()
	defer r.negMu.Unlock()

	offer, err := r.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gather := webrtc.GatheringCompletePromise(r.pc)
	if err := r.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gather:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.closing:
		return ErrClosed
	}

	select {
	case <-r.answers:
	default:
	}
	if err := r.send(protocol.SignalMessage{Type: protocol.SignalOffer, SDP: r.pc.LocalDescription().SDP}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	select {
	case sdp := <-r.answers:
		if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.readDone:
		return errors.New("signaling closed before answer")
	case <-r.closing:
		return ErrClosed
	}
}

func (r *Room) answerOffer(sdp string) error {
	if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gather := webrtc.GatheringCompletePromise(r.pc)
	if err := r.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	select {
	case <-gather:
	case <-r.closing:
		return ErrClosed
	}
	return r.send(protocol.SignalMessage{Type: protocol.SignalAnswer, SDP: r.pc.LocalDescription().SDP})
}

func (r *Room) PublishLocalTrack(ctx context.Context, track webrtc.TrackLocal) error {
	if r.leaving.Load() {
		return &TransportError{Op: "publish", Err: ErrClosed}
	}
	r.mu.Lock()
	joined, pc := r.joined, r.pc
	r.mu.Unlock()
	if !joined || pc == nil {
		return &TransportError{Op: "publish", Err: ErrNotJoined}
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		return &TransportError{Op: "publish", Err: fmt.Errorf("add track: %w", err)}
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	if err := r.negotiate(ctx); err != nil {
		_ = pc.RemoveTrack(sender)
		return &TransportError{Op: "publish", Err: err}
	}
	r.logger.Info("published local track", "track", track.ID(), "kind", track.Kind().String())
	return nil
}

// Leave closes signaling and media. It is safe to call at any time and more than once.
func (r *Room) Leave() error {
	var err error
	r.leaveOnce.Do(func() {
		r.leaving.Store(true)

		r.mu.Lock()
		conn, pc, started := r.conn, r.pc, r.readStarted
		r.joined = false
		r.mu.Unlock()

		if conn != nil {
			r.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(protocol.SignalMessage{Type: protocol.SignalLeave})
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			r.writeMu.Unlock()
		}
		close(r.closing)
		if conn != nil {
			_ = conn.Close()
		}
		if pc != nil {
			if cerr := pc.Close(); cerr != nil {
				err = &TransportError{Op: "leave", Err: cerr}
			}
		}
		if started {
			<-r.readDone
		}

		r.eventsMu.Lock()
		r.eventsClosed = true
		close(r.events)
		r.eventsMu.Unlock()
		r.logger.Debug("left room", "room", r.RoomName())
	})
	return err
}

func (r *Room) readLoop() {
	defer close(r.readDone)
	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			if r.leaving.Load() {
				return
			}
			reason := "signaling connection lost"
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "room closed by server"
			}
			r.logger.Warn("signaling read failed", "error", err)
			r.emit(Event{Kind: EventDisconnected, Reason: reason})
			return
		}
		msg, err := protocol.ParseSignal(raw)
		if err != nil {
			r.logger.Debug("ignoring signal", "error", err)
			continue
		}
		if stop := r.handleSignal(msg); stop {
			return
		}
	}
}

func (r *Room) handleSignal(msg protocol.SignalMessage) bool {
	switch msg.Type {
	case protocol.SignalAnswer:
		select {
		case r.answers <- msg.SDP:
		default:
			r.logger.Warn("dropping unsolicited answer")
		}
	case protocol.SignalOffer:
		if err := r.answerOffer(msg.SDP); err != nil && !errors.Is(err, ErrClosed) {
			r.logger.Warn("renegotiation failed", "error", err)
		}
	case protocol.SignalParticipantJoined:
		p := participantFromInfo(*msg.Participant)
		r.mu.Lock()
		r.participants[p.Identity] = p
		r.mu.Unlock()
		r.emit(Event{Kind: EventParticipantJoined, Participant: p})
	case protocol.SignalParticipantLeft:
		r.removeParticipant(msg.Participant.Identity)
	case protocol.SignalTrackPublished:
		r.mu.Lock()
		r.trackOwners[msg.TrackSID] = msg.Participant.Identity
		r.mu.Unlock()
	case protocol.SignalLeave:
		reason := strings.TrimSpace(msg.Reason)
		if reason == "" {
			reason = "room closed by server"
		}
		r.emit(Event{Kind: EventDisconnected, Reason: reason})
		return true
	case protocol.SignalError:
		r.logger.Warn("realtime server error", "code", msg.Code, "detail", msg.Detail)
	}
	return false
}

func (r *Room) removeParticipant(identity string) {
	r.mu.Lock()
	p, ok := r.participants[identity]
	if !ok {
		p = Participant{Identity: identity}
	}
	delete(r.participants, identity)
	var tracks []string
	for id, owner := range r.subscribed {
		if owner == identity {
			tracks = append(tracks, id)
			delete(r.subscribed, id)
		}
	}
	for sid, owner := range r.trackOwners {
		if owner == identity {
			delete(r.trackOwners, sid)
		}
	}
	r.mu.Unlock()

	sort.Strings(tracks)
	for _, id := range tracks {
		r.emit(Event{Kind: EventTrackUnsubscribed, TrackID: id, Participant: p})
	}
	r.emit(Event{Kind: EventParticipantLeft, Participant: p})
}

func (r *Room) handleTrack(track *webrtc.TrackRemote) {
	id := track.ID()
	r.mu.Lock()
	identity := r.trackOwners[id]
	if identity == "" {
		identity = track.StreamID()
	}
	r.subscribed[id] = identity
	p, ok := r.participants[identity]
	if !ok {
		p = Participant{Identity: identity}
	}
	r.mu.Unlock()

	kind := TrackKindOther
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = TrackKindAudio
	}
	r.logger.Debug("track subscribed", "track", id, "kind", kind, "participant", identity, "codec", track.Codec().MimeType)
	r.emit(Event{
		Kind:        EventTrackSubscribed,
		TrackID:     id,
		Track:       &remoteTrack{track: track, kind: kind, identity: identity},
		Participant: p,
	})
}

func (r *Room) handleData(raw []byte) {
	pkt, err := protocol.DecodeDataPacket(raw)
	if err != nil {
		r.logger.Warn("dropping undecodable data packet", "error", err, "bytes", len(raw))
		return
	}
	r.mu.Lock()
	p, ok := r.participants[pkt.Participant]
	r.mu.Unlock()
	if !ok {
		p = Participant{Identity: pkt.Participant}
	}
	r.emit(Event{Kind: EventData, Topic: pkt.Topic, Payload: pkt.Payload, Participant: p})
}

func (r *Room) emit(ev Event) {
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	if r.eventsClosed {
		return
	}
	select {
	case r.events <- ev:
	case <-r.closing:
	}
}

func (r *Room) send(msg protocol.SignalMessage) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteJSON(msg)
}

func signalingURL(serverURL, credential string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/rtc"
	q := u.Query()
	q.Set("access_token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func participantFromInfo(info protocol.ParticipantInfo) Participant {
	return Participant{Identity: info.Identity, Name: info.Name, Metadata: info.Metadata}
}

type remoteTrack struct {
	track    *webrtc.TrackRemote
	kind     TrackKind
	identity string
}

func (t *remoteTrack) ID() string                  { return t.track.ID() }
func (t *remoteTrack) Kind() TrackKind             { return t.kind }
func (t *remoteTrack) ParticipantIdentity() string { return t.identity }
func (t *remoteTrack) Codec() string               { return t.track.Codec().MimeType }

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}

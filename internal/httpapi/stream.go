package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/agenttest/internal/agentsession"
	"github.com/ent0n29/agenttest/internal/protocol"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamReadTimeout  = 120 * time.Second
	streamPingInterval = 30 * time.Second
)

// streamState tracks what one websocket viewer has already been sent.
type streamState struct {
	generation uint64
	sent       int
	status     agentsession.Status
	mic        bool
	room       string
	primed     bool
}

// diff returns the events that bring a viewer from st to snap, in order.
func (st *streamState) diff(snap agentsession.Snapshot) []any {
	var out []any
	if !st.primed || snap.Generation != st.generation {
		out = append(out, protocol.TranscriptResetEvent{Type: protocol.TypeTranscriptReset, Generation: snap.Generation})
		st.generation = snap.Generation
		st.sent = 0
	}
	if !st.primed || snap.Status != st.status || snap.MicrophoneActive != st.mic || snap.RoomName != st.room {
		out = append(out, protocol.StatusEvent{
			Type:             protocol.TypeStatus,
			Status:           string(snap.Status),
			MicrophoneActive: snap.MicrophoneActive,
			RoomName:         snap.RoomName,
		})
		st.status, st.mic, st.room = snap.Status, snap.MicrophoneActive, snap.RoomName
	}
	for i := st.sent; i < len(snap.Messages); i++ {
		out = append(out, protocol.TranscriptMessageEvent{Type: protocol.TypeTranscriptMessage, Index: i, Message: snap.Messages[i]})
	}
	st.sent = len(snap.Messages)
	st.primed = true
	return out
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctrl, id, ok := s.controller(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.IncSessionEvent("stream_opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(streamPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = s.sessions.Touch(id)
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
					cancel()
					return
				}
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.IncStreamMessage("outbound", string(t))
				}
			}
		}
	}()

	streamerDone := make(chan struct{})
	go func() {
		defer close(streamerDone)
		var st streamState
		push := func() bool {
			for _, ev := range st.diff(ctrl.Snapshot()) {
				select {
				case <-ctx.Done():
					return false
				case outbound <- ev:
				}
			}
			return true
		}
		if !push() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-updates:
				if !ok {
					push()
					cancel()
					return
				}
				if !push() {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		_ = s.sessions.Touch(id)
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queueError(outbound, "invalid_client_message", err.Error())
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.IncStreamMessage("inbound", string(t))
		}
		switch m := parsed.(type) {
		case protocol.ClientConnect:
			// The call outlives this viewer; progress is observed through the subscription.
			go func(cfg protocol.ClientConnect) {
				if err := ctrl.Connect(context.WithoutCancel(ctx), cfg.Agent); err != nil {
					_, code := connectErrorStatus(err)
					s.queueError(outbound, code, err.Error())
				}
			}(m)
		case protocol.ClientDisconnect:
			go func() { _ = ctrl.Disconnect(context.WithoutCancel(ctx)) }()
		}
	}

	cancel()
	<-streamerDone
	<-writerDone
	s.metrics.IncSessionEvent("stream_closed")
}

func (s *Server) queueError(outbound chan<- any, code, detail string) {
	ev := protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: code, Detail: detail}
	select {
	case outbound <- ev:
	default:
		// Writes stay single-threaded; drop when the queue is saturated.
		s.metrics.IncStreamMessage("dropped", string(protocol.TypeErrorEvent))
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientConnect:
		return m.Type, true
	case protocol.ClientDisconnect:
		return m.Type, true
	case protocol.StatusEvent:
		return m.Type, true
	case protocol.TranscriptMessageEvent:
		return m.Type, true
	case protocol.TranscriptResetEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

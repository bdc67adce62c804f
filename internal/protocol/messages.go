package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ent0n29/agenttest/internal/agent"
)

// Data-channel topics produced by the agent.
const (
	TopicTextMessage = "text-message"
	TopicChat        = "chat"
)

// TextMessage is the decoded body of a text-message packet. Fields with
// unexpected JSON types do not fail the decode: a non-string role reads as
// empty, non-string content keeps its JSON text, and unusable stats or tool
// calls are dropped.
type TextMessage struct {
	Role             string
	Content          string
	PerformanceStats *PerformanceStatsPayload
	ToolCalls        []string
}

type PerformanceStatsPayload struct {
	STTDurationMS *float64
	LLMDurationMS *float64
	TTSDurationMS *float64
}

type textMessageWire struct {
	Role             json.RawMessage `json:"role"`
	Content          json.RawMessage `json:"content"`
	PerformanceStats json.RawMessage `json:"performanceStats"`
	ToolCalls        json.RawMessage `json:"toolCalls"`
}

// ParseTextMessage fails only when raw is not JSON or not a JSON object.
func ParseTextMessage(raw []byte) (TextMessage, error) {
	var wire textMessageWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return TextMessage{}, fmt.Errorf("invalid text message: %w", err)
	}
	role, _ := jsonString(wire.Role)
	return TextMessage{
		Role:             role,
		Content:          jsonText(wire.Content),
		PerformanceStats: parseStats(wire.PerformanceStats),
		ToolCalls:        parseToolCalls(wire.ToolCalls),
	}, nil
}

func jsonString(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

// jsonText renders raw as display text: strings unquoted, anything else compacted.
func jsonText(raw json.RawMessage) string {
	if s, ok := jsonString(raw); ok {
		return s
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

func parseStats(raw json.RawMessage) *PerformanceStatsPayload {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil || fields == nil {
		return nil
	}
	return &PerformanceStatsPayload{
		STTDurationMS: jsonDuration(fields["sttDurationMs"]),
		LLMDurationMS: jsonDuration(fields["llmDurationMs"]),
		TTSDurationMS: jsonDuration(fields["ttsDurationMs"]),
	}
}

// jsonDuration accepts a number or a numeric string.
func jsonDuration(raw json.RawMessage) *float64 {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		s, ok := jsonString(raw)
		if !ok {
			return nil
		}
		if v, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return nil
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return nil
	}
	return &v
}

// parseToolCalls keeps string entries, reduces objects to their name when one
// is present and falls back to the entry's JSON text.
func parseToolCalls(raw json.RawMessage) []string {
	var entries []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &entries) != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if s, ok := jsonString(e); ok {
			if s != "" {
				out = append(out, s)
			}
			continue
		}
		var call struct {
			Name     json.RawMessage `json:"name"`
			Function struct {
				Name json.RawMessage `json:"name"`
			} `json:"function"`
		}
		if json.Unmarshal(e, &call) == nil {
			if name, ok := jsonString(call.Name); ok && name != "" {
				out = append(out, name)
				continue
			}
			if name, ok := jsonString(call.Function.Name); ok && name != "" {
				out = append(out, name)
				continue
			}
		}
		if text := jsonText(e); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// DataPacket is the msgpack envelope framing every data-channel message.
type DataPacket struct {
	Topic       string `msgpack:"topic"`
	Payload     []byte `msgpack:"payload"`
	Participant string `msgpack:"participant,omitempty"`
}

func EncodeDataPacket(p DataPacket) ([]byte, error) {
	return msgpack.Marshal(p)
}

func DecodeDataPacket(raw []byte) (DataPacket, error) {
	var p DataPacket
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return DataPacket{}, fmt.Errorf("invalid data packet: %w", err)
	}
	return p, nil
}

// SignalType identifies room signaling payload variants.
type SignalType string

const (
	SignalJoin              SignalType = "join"
	SignalOffer             SignalType = "offer"
	SignalAnswer            SignalType = "answer"
	SignalParticipantJoined SignalType = "participant_joined"
	SignalParticipantLeft   SignalType = "participant_left"
	SignalTrackPublished    SignalType = "track_published"
	SignalLeave             SignalType = "leave"
	SignalError             SignalType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type ParticipantInfo struct {
	SID      string `json:"sid,omitempty"`
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// SignalMessage is one websocket frame exchanged with the realtime server.
type SignalMessage struct {
	Type         SignalType        `json:"type"`
	Room         string            `json:"room,omitempty"`
	Participant  *ParticipantInfo  `json:"participant,omitempty"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
	SDP          string            `json:"sdp,omitempty"`
	TrackSID     string            `json:"track_sid,omitempty"`
	Kind         string            `json:"kind,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Code         string            `json:"code,omitempty"`
	Detail       string            `json:"detail,omitempty"`
}

func ParseSignal(raw []byte) (SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return SignalMessage{}, fmt.Errorf("invalid envelope: %w", err)
	}
	switch msg.Type {
	case SignalJoin:
		if msg.Participant == nil || strings.TrimSpace(msg.Participant.Identity) == "" {
			return SignalMessage{}, errors.New("invalid join: missing participant")
		}
	case SignalOffer, SignalAnswer:
		if strings.TrimSpace(msg.SDP) == "" {
			return SignalMessage{}, fmt.Errorf("invalid %s: missing sdp", msg.Type)
		}
	case SignalParticipantJoined, SignalParticipantLeft:
		if msg.Participant == nil || strings.TrimSpace(msg.Participant.Identity) == "" {
			return SignalMessage{}, fmt.Errorf("invalid %s: missing participant", msg.Type)
		}
	case SignalTrackPublished:
		if msg.TrackSID == "" || msg.Participant == nil {
			return SignalMessage{}, errors.New("invalid track_published")
		}
	case SignalLeave, SignalError:
	default:
		return SignalMessage{}, ErrUnsupportedType
	}
	return msg, nil
}

// MessageType identifies websocket payload variants on the operator stream.
type MessageType string

const (
	TypeClientConnect     MessageType = "connect"
	TypeClientDisconnect  MessageType = "disconnect"
	TypeStatus            MessageType = "status"
	TypeTranscriptMessage MessageType = "transcript_message"
	TypeTranscriptReset   MessageType = "transcript_reset"
	TypeErrorEvent        MessageType = "error_event"
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientConnect struct {
	Type  MessageType      `json:"type"`
	Agent agent.TestConfig `json:"agent"`
}

type ClientDisconnect struct {
	Type MessageType `json:"type"`
}

type StatusEvent struct {
	Type             MessageType `json:"type"`
	Status           string      `json:"status"`
	MicrophoneActive bool        `json:"microphone_active"`
	RoomName         string      `json:"room_name,omitempty"`
}

type TranscriptMessageEvent struct {
	Type    MessageType `json:"type"`
	Index   int         `json:"index"`
	Message any         `json:"message"`
}

type TranscriptResetEvent struct {
	Type       MessageType `json:"type"`
	Generation uint64      `json:"generation"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientConnect:
		var msg ClientConnect
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Agent.Name) == "" {
			return nil, errors.New("invalid connect: agent name is required")
		}
		return msg, nil
	case TypeClientDisconnect:
		return ClientDisconnect{Type: env.Type}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

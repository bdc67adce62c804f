// Package transport wraps the realtime audio/data room used for live agent tests.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	ErrUnauthorized = errors.New("credential rejected by realtime server")
	ErrNotJoined    = errors.New("room not joined")
	ErrClosed       = errors.New("room closed")
)

type EventKind string

const (
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
	EventTrackSubscribed   EventKind = "track_subscribed"
	EventTrackUnsubscribed EventKind = "track_unsubscribed"
	EventData              EventKind = "data"
	EventDisconnected      EventKind = "disconnected"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindOther TrackKind = "other"
)

type Participant struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// RemoteTrack is a media track published by another participant.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	ParticipantIdentity() string
	Codec() string
	ReadRTP() (*rtp.Packet, error)
}

// Event is one inbound room notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind
	Participant Participant
	Track       RemoteTrack
	TrackID     string
	Topic       string
	Payload     []byte
	Reason      string
}

// Session is one room connection. Events are delivered in arrival order and the
// channel is closed after Leave.
type Session interface {
	Join(ctx context.Context, serverURL, credential string) error
	Events() <-chan Event
	PublishLocalTrack(ctx context.Context, track webrtc.TrackLocal) error
	Participants() []Participant
	Leave() error
}

// Factory creates a fresh Session for each connection attempt.
type Factory func() Session

// TransportError reports a join, publish or leave failure.
type TransportError struct {
	Op        string
	URL       string
	Code      string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURL(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *TransportError) IsRetryable() bool {
	return e != nil && e.Retryable
}

// redactURL drops credentials carried in the query string or user info.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	if u.RawQuery != "" {
		q := u.Query()
		if q.Has("access_token") {
			q.Set("access_token", "REDACTED")
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

// Package archive keeps finished agent test transcripts.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/agenttest/internal/transcript"
)

var ErrNotFound = errors.New("transcript not found")

// Record is the transcript of one finished session.
type Record struct {
	ID              string               `json:"id"`
	RoomName        string               `json:"room_name"`
	ParticipantName string               `json:"participant_name"`
	AgentName       string               `json:"agent_name"`
	StartedAt       time.Time            `json:"started_at"`
	EndedAt         time.Time            `json:"ended_at"`
	EndReason       string               `json:"end_reason"`
	PIIRedacted     int                  `json:"pii_redacted"`
	Messages        []transcript.Message `json:"messages"`
}

// Store persists and retrieves archived transcripts.
type Store interface {
	SaveTranscript(ctx context.Context, record Record) error
	Transcript(ctx context.Context, roomName string) (Record, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

package archive

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/agenttest/internal/transcript"
)

func TestNewStoreWithoutDatabaseIsInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ", 5)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
}

func TestInMemoryStoreRoundTrip(t *testing.T) {
	s := NewInMemoryStore(0)
	ctx := context.Background()
	msgs := []transcript.Message{{Text: "Connected. Microphone is active.", Sender: transcript.SenderBot}}

	if err := s.SaveTranscript(ctx, Record{RoomName: "room-1", AgentName: "Agent1", Messages: msgs}); err != nil {
		t.Fatalf("SaveTranscript() error = %v", err)
	}
	msgs[0].Text = "mutated"

	got, err := s.Transcript(ctx, "room-1")
	if err != nil {
		t.Fatalf("Transcript() error = %v", err)
	}
	if got.ID == "" || got.EndedAt.IsZero() {
		t.Fatalf("defaults not filled: %+v", got)
	}
	if got.Messages[0].Text != "Connected. Microphone is active." {
		t.Fatalf("stored messages alias caller slice: %+v", got.Messages)
	}

	if _, err := s.Transcript(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Transcript(missing) error = %v, want ErrNotFound", err)
	}
}

func TestInMemoryStoreRecentIsNewestFirstAndBounded(t *testing.T) {
	s := NewInMemoryStore(2)
	ctx := context.Background()
	for _, room := range []string{"a", "b", "c"} {
		if err := s.SaveTranscript(ctx, Record{RoomName: room}); err != nil {
			t.Fatalf("SaveTranscript(%s) error = %v", room, err)
		}
	}

	got, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].RoomName != "c" || got[1].RoomName != "b" {
		t.Fatalf("Recent() = %+v, want [c b]", got)
	}
	if _, err := s.Transcript(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("oldest record should be evicted, error = %v", err)
	}
	if got, _ := s.Recent(ctx, 1); len(got) != 1 || got[0].RoomName != "c" {
		t.Fatalf("Recent(1) = %+v", got)
	}
}

package archive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultInMemoryCapacity = 200

// InMemoryStore keeps the most recent transcripts in process.
type InMemoryStore struct {
	mu       sync.RWMutex
	capacity int
	records  []Record
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = defaultInMemoryCapacity
	}
	return &InMemoryStore{capacity: capacity}
}

func (s *InMemoryStore) SaveTranscript(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	record.Messages = append(record.Messages[:0:0], record.Messages...)
	s.records = append(s.records, record)
	if over := len(s.records) - s.capacity; over > 0 {
		s.records = append(s.records[:0:0], s.records[over:]...)
	}
	return nil
}

func (s *InMemoryStore) Transcript(_ context.Context, roomName string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].RoomName == roomName {
			r := s.records[i]
			r.Messages = append(r.Messages[:0:0], r.Messages...)
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

// Recent returns up to limit records, newest first.
func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.records[i]
		r.Messages = append(r.Messages[:0:0], r.Messages...)
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

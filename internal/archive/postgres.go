package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists transcripts in PostgreSQL. Messages are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_test_transcripts (
			id TEXT PRIMARY KEY,
			room_name TEXT NOT NULL,
			participant_name TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			end_reason TEXT NOT NULL DEFAULT '',
			pii_redacted INTEGER NOT NULL DEFAULT 0,
			messages JSONB NOT NULL DEFAULT '[]'::jsonb
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_test_transcripts_room ON agent_test_transcripts (room_name);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_test_transcripts_ended ON agent_test_transcripts (ended_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTranscript(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	messages, err := json.Marshal(record.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_test_transcripts
		   (id, room_name, participant_name, agent_name, started_at, ended_at, end_reason, pii_redacted, messages)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)`,
		record.ID,
		record.RoomName,
		record.ParticipantName,
		record.AgentName,
		record.StartedAt,
		record.EndedAt,
		record.EndReason,
		record.PIIRedacted,
		string(messages),
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

const selectColumns = `id, room_name, participant_name, agent_name, started_at, ended_at, end_reason, pii_redacted, messages`

func (s *PostgresStore) Transcript(ctx context.Context, roomName string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM agent_test_transcripts WHERE room_name=$1 ORDER BY ended_at DESC LIMIT 1`,
		roomName,
	)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM agent_test_transcripts ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent transcripts: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}
	return items, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r        Record
		messages []byte
	)
	if err := row.Scan(&r.ID, &r.RoomName, &r.ParticipantName, &r.AgentName, &r.StartedAt, &r.EndedAt, &r.EndReason, &r.PIIRedacted, &messages); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan transcript row: %w", err)
	}
	if err := json.Unmarshal(messages, &r.Messages); err != nil {
		return Record{}, fmt.Errorf("decode transcript messages: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

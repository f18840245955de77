package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-live/internal/models"
)

// PostgresTranscript persists chat lines to the chat_messages table.
type PostgresTranscript struct {
	db *sql.DB
}

func NewPostgresTranscript(dsn string) (*PostgresTranscript, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresTranscript{db: db}, nil
}

// NewPostgresTranscriptDB wraps an already opened database.
func NewPostgresTranscriptDB(db *sql.DB) *PostgresTranscript {
	return &PostgresTranscript{db: db}
}

func (p *PostgresTranscript) DB() *sql.DB { return p.db }

func (p *PostgresTranscript) Close() error { return p.db.Close() }

func (p *PostgresTranscript) Save(ctx context.Context, m models.ChatMessage) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO chat_messages(id, ride_id, sender_id, sender_type, message, sent_at_ms, read) VALUES($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (id) DO NOTHING`,
		m.ID, m.RideID, m.SenderID, string(m.SenderType), m.Message, m.Timestamp, m.Read)
	if err != nil {
		return fmt.Errorf("save chat message %s: %w", m.ID, err)
	}
	return nil
}

func (p *PostgresTranscript) MarkRead(ctx context.Context, rideID int64, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE chat_messages SET read=TRUE WHERE ride_id=$1 AND id = ANY($2)`,
		rideID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark read ride %d: %w", rideID, err)
	}
	return nil
}

func (p *PostgresTranscript) History(ctx context.Context, rideID int64) ([]models.ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, ride_id, sender_id, sender_type, message, sent_at_ms, read FROM chat_messages WHERE ride_id=$1 ORDER BY received_at, id`,
		rideID)
	if err != nil {
		return nil, fmt.Errorf("query history ride %d: %w", rideID, err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var sender string
		if err := rows.Scan(&m.ID, &m.RideID, &m.SenderID, &sender, &m.Message, &m.Timestamp, &m.Read); err != nil {
			return nil, err
		}
		m.SenderType = models.SenderType(sender)
		out = append(out, m)
	}
	return out, rows.Err()
}

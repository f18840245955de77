package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-live/internal/models"
	"github.com/example/ride-live/internal/realtime"
)

func line(id string, rideID int64) models.ChatMessage {
	return models.ChatMessage{ID: id, RideID: rideID, SenderID: 7, SenderType: models.SenderDriver, Message: "hello " + id, Timestamp: 1000}
}

func TestMemoryTranscriptThroughSink(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTranscript()
	sink := TranscriptSink{Store: store}

	require.NoError(t, sink.Observe(ctx, realtime.ChatMessageReceived{Message: line("a", 1)}))
	require.NoError(t, sink.Observe(ctx, realtime.ChatMessageReceived{Message: line("a", 1)}))
	require.NoError(t, sink.Observe(ctx, realtime.ChatMessageReceived{Message: line("b", 1)}))
	require.NoError(t, sink.Observe(ctx, realtime.ChatMessageReceived{Message: line("c", 2)}))
	require.NoError(t, sink.Observe(ctx, realtime.RideStarted{RideID: 1}))
	require.NoError(t, sink.Observe(ctx, realtime.MessagesRead{RideID: 1, MessageIDs: []string{"b"}}))

	hist, err := store.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.False(t, hist[0].Read)
	assert.True(t, hist[1].Read)

	hist, err = store.History(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestPostgresTranscriptSave(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresTranscriptDB(db)

	m := line("m1", 42)
	mock.ExpectExec("INSERT INTO chat_messages").
		WithArgs("m1", int64(42), int64(7), "driver", "hello m1", int64(1000), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Save(context.Background(), m))

	mock.ExpectExec("INSERT INTO chat_messages").WillReturnError(errors.New("connection reset"))
	err = store.Save(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m1")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTranscriptMarkRead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresTranscriptDB(db)

	mock.ExpectExec("UPDATE chat_messages SET read=TRUE").
		WithArgs(int64(42), pq.Array([]string{"m1", "m2"})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, store.MarkRead(context.Background(), 42, []string{"m1", "m2"}))
	require.NoError(t, store.MarkRead(context.Background(), 42, nil))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTranscriptHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresTranscriptDB(db)

	rows := sqlmock.NewRows([]string{"id", "ride_id", "sender_id", "sender_type", "message", "sent_at_ms", "read"}).
		AddRow("m1", int64(42), int64(7), "driver", "on my way", int64(1000), true).
		AddRow("m2", int64(42), int64(3), "rider", "ok", int64(2000), false)
	mock.ExpectQuery("SELECT id, ride_id, sender_id, sender_type, message, sent_at_ms, read FROM chat_messages").
		WithArgs(int64(42)).
		WillReturnRows(rows)

	hist, err := store.History(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, models.SenderDriver, hist[0].SenderType)
	assert.True(t, hist[0].Read)
	assert.Equal(t, "ok", hist[1].Message)
	assert.Equal(t, int64(2000), hist[1].Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

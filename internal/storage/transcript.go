package storage

import (
	"context"
	"sync"

	"github.com/example/ride-live/internal/models"
	"github.com/example/ride-live/internal/realtime"
)

// TranscriptStore keeps every chat line the session has seen, per ride.
type TranscriptStore interface {
	Save(ctx context.Context, m models.ChatMessage) error
	MarkRead(ctx context.Context, rideID int64, ids []string) error
	History(ctx context.Context, rideID int64) ([]models.ChatMessage, error)
}

// MemoryTranscript is the in-process TranscriptStore used when no database
// is configured.
type MemoryTranscript struct {
	mu    sync.RWMutex
	seen  map[string]struct{}
	rides map[int64][]models.ChatMessage
}

func NewMemoryTranscript() *MemoryTranscript {
	return &MemoryTranscript{
		seen:  make(map[string]struct{}),
		rides: make(map[int64][]models.ChatMessage),
	}
}

// Save stores m once; a line whose id was already saved is ignored.
func (s *MemoryTranscript) Save(_ context.Context, m models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID != "" {
		if _, dup := s.seen[m.ID]; dup {
			return nil
		}
		s.seen[m.ID] = struct{}{}
	}
	s.rides[m.RideID] = append(s.rides[m.RideID], m)
	return nil
}

func (s *MemoryTranscript) MarkRead(_ context.Context, rideID int64, ids []string) error {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.rides[rideID]
	for i := range msgs {
		if _, ok := want[msgs[i].ID]; ok {
			msgs[i].Read = true
		}
	}
	return nil
}

func (s *MemoryTranscript) History(_ context.Context, rideID int64) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ChatMessage(nil), s.rides[rideID]...), nil
}

// TranscriptSink feeds received chat lines and read receipts into a
// TranscriptStore. Other events are ignored.
type TranscriptSink struct {
	Store TranscriptStore
}

func (s TranscriptSink) Observe(ctx context.Context, ev realtime.Event) error {
	switch e := ev.(type) {
	case realtime.ChatMessageReceived:
		return s.Store.Save(ctx, e.Message)
	case realtime.MessagesRead:
		return s.Store.MarkRead(ctx, e.RideID, e.MessageIDs)
	}
	return nil
}

package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-live/internal/realtime"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the record published for each domain event.
type Envelope struct {
	Event      string          `json:"event"`
	Channel    string          `json:"channel"`
	RideID     int64           `json:"rideId"`
	Data       json.RawMessage `json:"data"`
	ObservedAt time.Time       `json:"observedAt"`
}

// KafkaTap republishes decoded ride, location and chat events, keyed by
// ride id so one ride's events stay on one partition in order. Connection
// lifecycle events are not published.
type KafkaTap struct {
	writer messageWriter
	now    func() time.Time
}

// TapBatchTimeout bounds how long a single event waits for a batch to fill.
const TapBatchTimeout = 10 * time.Millisecond

func NewKafkaTap(brokers []string, topic string) *KafkaTap {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: TapBatchTimeout,
	})
	return &KafkaTap{writer: w, now: time.Now}
}

func (k *KafkaTap) Observe(ctx context.Context, ev realtime.Event) error {
	rideID, ok := realtime.RideIDOf(ev)
	if !ok {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Envelope{
		Event:      ev.Name(),
		Channel:    string(ev.Source()),
		RideID:     rideID,
		Data:       data,
		ObservedAt: k.now().UTC(),
	})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(rideID, 10)), Value: b})
}

func (k *KafkaTap) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

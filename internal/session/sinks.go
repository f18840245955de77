package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-live/internal/observability"
	"github.com/example/ride-live/internal/realtime"
)

// DefaultSinkQueue is how many events may wait for slow sinks before new
// ones are dropped.
const DefaultSinkQueue = 256

// sinkQueue hands events to the sinks on one worker goroutine so a slow sink
// never holds up a channel's read loop. Order is preserved; when the queue is
// full the event is dropped for sinks only.
type sinkQueue struct {
	sinks   map[string]EventSink
	timeout time.Duration
	logger  *slog.Logger

	events chan realtime.Event
	quit   chan struct{}
	done   chan struct{}
}

func startSinkQueue(sinks map[string]EventSink, size int, timeout time.Duration, logger *slog.Logger) *sinkQueue {
	q := &sinkQueue{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger,
		events:  make(chan realtime.Event, size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *sinkQueue) enqueue(ev realtime.Event) {
	select {
	case <-q.quit:
		return
	default:
	}
	select {
	case q.events <- ev:
	default:
		observability.SinkDropped.Inc()
		q.logger.Warn("sink queue full, event dropped", "event", ev.Name())
	}
}

func (q *sinkQueue) run() {
	defer close(q.done)
	for {
		select {
		case ev := <-q.events:
			q.deliver(ev)
		case <-q.quit:
			// hand over whatever was already accepted
			for {
				select {
				case ev := <-q.events:
					q.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (q *sinkQueue) deliver(ev realtime.Event) {
	for name, sink := range q.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		start := time.Now()
		err := sink.Observe(ctx, ev)
		cancel()
		observability.SinkLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			observability.SinkErrors.WithLabelValues(name).Inc()
			q.logger.Warn("event sink failed", "sink", name, "event", ev.Name(), "error", err)
		}
	}
}

// stop waits for queued events to be delivered.
func (q *sinkQueue) stop() {
	close(q.quit)
	<-q.done
}

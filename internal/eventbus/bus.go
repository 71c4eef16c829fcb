package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/opwarden/internal/model"
)

// Sink delivers events off-box.
type Sink interface {
	Send(ctx context.Context, evt Event) error
	Close() error
}

const (
	sinkQueue   = 256
	sinkTimeout = 5 * time.Second
)

type sinkWorker struct {
	sink  Sink
	queue chan Event
}

// Bus combines the in-process hub with asynchronous sinks. Publishing
// never blocks on a sink: each sink drains its own queue and a full
// queue drops the event.
type Bus struct {
	*Hub
	logger  *slog.Logger
	workers []*sinkWorker
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

// New starts a bus with the given sinks.
func New(logger *slog.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{Hub: NewHub(), logger: logger}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		w := &sinkWorker{sink: s, queue: make(chan Event, sinkQueue)}
		b.workers = append(b.workers, w)
		b.wg.Add(1)
		go b.drain(w)
	}
	return b
}

func (b *Bus) drain(w *sinkWorker) {
	defer b.wg.Done()
	for evt := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := w.sink.Send(ctx, evt); err != nil {
			b.logger.Warn("eventbus: sink send failed", "type", evt.Type, "error", err)
		}
		cancel()
	}
}

// Emit publishes evt to subscribers and queues it for every sink.
func (b *Bus) Emit(evt Event) {
	b.Hub.Publish(evt)
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	for _, w := range b.workers {
		select {
		case w.queue <- evt:
		default:
			b.logger.Warn("eventbus: sink queue full, event dropped", "type", evt.Type)
		}
	}
}

// Publish emits an anomaly event. It lets the bus serve as the
// detector's publisher.
func (b *Bus) Publish(a model.Anomaly) {
	b.Emit(NewEvent(TypeAnomaly, a))
}

// Close flushes sink queues and closes the sinks.
func (b *Bus) Close() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	for _, w := range b.workers {
		close(w.queue)
	}
	b.closeMu.Unlock()
	b.wg.Wait()

	var first error
	for _, w := range b.workers {
		if err := w.sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

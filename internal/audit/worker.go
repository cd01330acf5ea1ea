package audit

import (
	"context"
	"log/slog"
)

// Sink receives every persisted event. KafkaSink satisfies this; tests use
// in-process fakes.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Worker drains the publisher inbox, persists each event and forwards it to
// an optional sink. Persistence failures are logged and the event dropped;
// the audit trail is best-effort and must never stall lifecycle traffic.
type Worker struct {
	inbox  <-chan Event
	store  Store
	sink   Sink
	logger *slog.Logger
}

func NewWorker(inbox <-chan Event, store Store, sink Sink, logger *slog.Logger) *Worker {
	return &Worker{inbox: inbox, store: store, sink: sink, logger: logger}
}

// Run blocks until ctx is cancelled, then drains whatever is already
// buffered before returning.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case event := <-w.inbox:
			w.process(ctx, event)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case event := <-w.inbox:
			w.process(context.Background(), event)
		default:
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, event Event) {
	if err := w.store.Append(ctx, event); err != nil {
		w.logger.Error("audit event not persisted",
			slog.String("event_id", event.ID),
			slog.String("did", event.DID),
			slog.String("error", err.Error()))
		return
	}
	if w.sink == nil {
		return
	}
	if err := w.sink.Publish(ctx, event); err != nil {
		w.logger.Warn("audit event not published",
			slog.String("event_id", event.ID),
			slog.String("did", event.DID),
			slog.String("error", err.Error()))
	}
}

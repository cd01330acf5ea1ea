package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"facedid/pkg/requestcontext"
)

// Publisher hands events to the worker's inbox. Emission never blocks a
// lifecycle operation: when the inbox is full the event is dropped and
// counted in the log rather than stalling the caller.
type Publisher struct {
	inbox  chan<- Event
	logger *slog.Logger
}

func NewPublisher(inbox chan<- Event, logger *slog.Logger) *Publisher {
	return &Publisher{inbox: inbox, logger: logger}
}

// Emit stamps and enqueues an event. A nil publisher drops everything so
// the pipeline stays optional like the cache and metrics collaborators.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	if p == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}

	select {
	case p.inbox <- event:
	default:
		p.logger.Warn("audit inbox full, dropping event",
			"did", event.DID,
			"action", event.Action,
			"outcome", event.Outcome,
		)
	}
}

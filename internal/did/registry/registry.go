// Package registry holds the authoritative table of DID records and
// enforces the staged/commit protocol around the state machine in models.
// Implementations must make Stage's check-and-set atomic per DID: two
// concurrent stages for the same DID may never both succeed.
package registry

import (
	"context"
	"time"

	"facedid/internal/did/models"
)

// StagedTransition describes a transition accepted for processing but not
// yet confirmed on the ledger.
type StagedTransition struct {
	DID      string
	Action   models.Action
	Target   models.State
	FaceHash string
	StagedAt time.Time
}

// Registry is the store contract. Memory and Postgres implementations are
// interchangeable; services depend on this interface only.
type Registry interface {
	// Create allocates a new record in state Created with the Create
	// transition staged, atomically. A duplicate id fails with DuplicateID
	// and leaves no side effects.
	Create(ctx context.Context, id, faceHash, owner string) (*StagedTransition, error)

	// Stage validates the edge from the committed state and appends a
	// pending log entry. Fails with NotFound, InvalidEdge, AlreadyRevoked
	// or TransitionInFlight.
	Stage(ctx context.Context, id string, action models.Action, faceHash string) (*StagedTransition, error)

	// AttachHandle records the ledger submission handle on the pending
	// entry. Fails with NotFound when no transition is pending.
	AttachHandle(ctx context.Context, id, txHandle string, submittedAt time.Time) error

	// Commit confirms the pending entry matching txHandle and advances the
	// committed state. Fails with UnknownTransaction semantics (NotFound
	// code) when the handle matches no pending entry.
	Commit(ctx context.Context, id, txHandle string) (*models.DIDRecord, error)

	// Abandon marks the pending entry as terminally failed without
	// advancing state. An empty txHandle matches a pending entry that was
	// never submitted. The DID accepts a fresh Stage afterward.
	Abandon(ctx context.Context, id, txHandle string) error

	// CommitAbandoned reconciles a late confirmation: it confirms a
	// previously abandoned entry if its edge is still legal from the
	// current committed state and nothing is in flight.
	CommitAbandoned(ctx context.Context, id, txHandle string) (*models.DIDRecord, error)

	// Get returns a snapshot of one record.
	Get(ctx context.Context, id string) (*models.DIDRecord, error)

	// List returns snapshots ordered by creation time ascending.
	// limit <= 0 means no limit.
	List(ctx context.Context, offset, limit int) ([]*models.DIDRecord, error)
}

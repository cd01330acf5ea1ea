// Package models holds the DID aggregate and its lifecycle state machine.
// All transition legality lives here; the registry enforces atomicity and
// the orchestrator sequences collaborator I/O around it.
package models

import (
	"strings"
	"time"

	dErrors "facedid/pkg/domain-errors"
)

// State is the committed lifecycle state of a DID record.
type State string

const (
	StateCreated    State = "created"
	StateRegistered State = "registered"
	StateUpdated    State = "updated"
	StateVerified   State = "verified"
	StateRevoked    State = "revoked"
)

// Action is a lifecycle transition submitted to the ledger.
type Action string

const (
	ActionCreate   Action = "create"
	ActionRegister Action = "register"
	ActionUpdate   Action = "update"
	ActionVerify   Action = "verify"
	ActionRevoke   Action = "revoke"
)

// Target returns the state a committed action moves the record to.
func (a Action) Target() State {
	switch a {
	case ActionCreate:
		return StateCreated
	case ActionRegister:
		return StateRegistered
	case ActionUpdate:
		return StateUpdated
	case ActionVerify:
		return StateVerified
	case ActionRevoke:
		return StateRevoked
	}
	return ""
}

// edges is the allowed transition set. Create never appears: it allocates
// the record rather than moving an existing one.
var edges = map[State][]Action{
	StateCreated:    {ActionRegister, ActionRevoke},
	StateRegistered: {ActionUpdate, ActionVerify, ActionRevoke},
	StateUpdated:    {ActionUpdate, ActionVerify, ActionRevoke},
	StateVerified:   {ActionRevoke},
	StateRevoked:    {},
}

// CanTransition reports whether the action is a legal edge from s.
// Revoked is terminal and reports a dedicated code so callers can
// distinguish it from an ordinary illegal edge.
func (s State) CanTransition(action Action) error {
	if s == StateRevoked {
		return dErrors.New(dErrors.CodeAlreadyRevoked, "DID is revoked; no further transitions are allowed")
	}
	for _, a := range edges[s] {
		if a == action {
			return nil
		}
	}
	return dErrors.Newf(dErrors.CodeInvalidEdge, "cannot %s a DID in state %s", action, s)
}

// TransactionRecord is one entry in a DID's append-only transaction log.
// A record is pending until it is either confirmed or abandoned.
type TransactionRecord struct {
	Action      Action    `json:"action"`
	TxHandle    string    `json:"tx_handle,omitempty"`
	FaceHash    string    `json:"face_hash,omitempty"`
	StagedAt    time.Time `json:"staged_at"`
	SubmittedAt time.Time `json:"submitted_at,omitzero"`
	Confirmed   bool      `json:"confirmed"`
	Abandoned   bool      `json:"abandoned"`
}

// Pending reports whether the entry is still awaiting confirmation.
func (t *TransactionRecord) Pending() bool {
	return !t.Confirmed && !t.Abandoned
}

// DIDRecord is the aggregate root for one decentralized identifier.
//
// Invariants:
//   - ID is unique across the registry and immutable.
//   - State only moves along the edge set above, and only when the
//     corresponding log entry is confirmed.
//   - At most one log entry is pending at any time.
//   - FaceHash is never empty once set; only Create and Update change it.
//   - Log is append-only; confirmation and abandonment flip flags on the
//     existing entry, they never rewrite history.
type DIDRecord struct {
	ID            string              `json:"id"`
	State         State               `json:"state"`
	FaceHash      string              `json:"face_hash"`
	Owner         string              `json:"owner"`
	CreatedAt     time.Time           `json:"created_at"`
	LastUpdatedAt time.Time           `json:"last_updated_at"`
	Log           []TransactionRecord `json:"transaction_log"`
}

// NewDIDRecord allocates a record in state Created with the Create
// transition already staged. The record is not authoritative until the
// Create entry is confirmed.
func NewDIDRecord(id, faceHash, owner string, now time.Time) (*DIDRecord, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if faceHash == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "face hash cannot be empty")
	}
	return &DIDRecord{
		ID:            id,
		State:         StateCreated,
		Owner:         owner,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Log: []TransactionRecord{{
			Action:   ActionCreate,
			FaceHash: faceHash,
			StagedAt: now,
		}},
	}, nil
}

// ValidateID checks the did:<method>:<suffix> shape.
func ValidateID(id string) error {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[1] == "" || parts[2] == "" {
		return dErrors.Newf(dErrors.CodeBadRequest, "malformed DID %q, want did:<method>:<suffix>", id)
	}
	return nil
}

// PendingIndex returns the index of the pending log entry, or -1.
func (r *DIDRecord) PendingIndex() int {
	for i := range r.Log {
		if r.Log[i].Pending() {
			return i
		}
	}
	return -1
}

// CanStage checks that a new transition may be staged: the edge must be
// legal from the committed state and no other transition may be in flight.
func (r *DIDRecord) CanStage(action Action) error {
	if r.PendingIndex() >= 0 {
		return dErrors.Newf(dErrors.CodeTransitionInFlight, "DID %s already has a transition in flight", r.ID)
	}
	return r.State.CanTransition(action)
}

// ApplyStage appends a pending log entry for the action. Call CanStage
// first; the registry does both under its lock.
func (r *DIDRecord) ApplyStage(action Action, faceHash string, now time.Time) *TransactionRecord {
	r.Log = append(r.Log, TransactionRecord{
		Action:   action,
		FaceHash: faceHash,
		StagedAt: now,
	})
	return &r.Log[len(r.Log)-1]
}

// ApplyCommit confirms the log entry at idx and advances the committed
// state. State and log update together; callers hold the registry lock.
func (r *DIDRecord) ApplyCommit(idx int, now time.Time) {
	entry := &r.Log[idx]
	entry.Confirmed = true
	r.State = entry.Action.Target()
	if entry.FaceHash != "" {
		r.FaceHash = entry.FaceHash
	}
	r.LastUpdatedAt = now
}

// ApplyAbandon marks the log entry at idx as terminally failed without
// touching the committed state. The record accepts a fresh stage afterward.
func (r *DIDRecord) ApplyAbandon(idx int) {
	r.Log[idx].Abandoned = true
}

// ValidateDatum mirrors the on-chain validator checks for the action the
// ledger payload will carry. Submission is refused locally when the
// validator would reject it anyway.
func (r *DIDRecord) ValidateDatum(action Action, faceHash string) error {
	if r.ID == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "datum did_id cannot be empty")
	}
	switch action {
	case ActionCreate, ActionRegister, ActionVerify:
		if faceHash == "" {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "datum face hash cannot be empty for %s", action)
		}
		if r.CreatedAt.IsZero() {
			return dErrors.New(dErrors.CodeInvariantViolation, "datum created_at must be set")
		}
	case ActionUpdate:
		if faceHash == "" {
			return dErrors.New(dErrors.CodeInvariantViolation, "datum face hash cannot be empty for update")
		}
	case ActionRevoke:
		// Revoke only requires a non-empty did_id.
	}
	return nil
}

// Snapshot returns a deep copy so read paths never alias registry state.
func (r *DIDRecord) Snapshot() *DIDRecord {
	cp := *r
	cp.Log = make([]TransactionRecord, len(r.Log))
	copy(cp.Log, r.Log)
	return &cp
}

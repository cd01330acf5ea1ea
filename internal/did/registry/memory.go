package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"facedid/internal/did/models"
	dErrors "facedid/pkg/domain-errors"
	"facedid/pkg/platform/sentinel"
	"facedid/pkg/requestcontext"
)

// Memory is the in-memory Registry used in tests, development and
// single-node deployments. One mutex guards the whole table; Stage's
// check-and-set therefore cannot interleave with another writer on the
// same key. Records are kept in insertion order, which equals createdAt
// order because Create is the only allocation path.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*models.DIDRecord
	order   []string
}

// NewMemory constructs an empty in-memory registry. Tests instantiate a
// fresh one per case; there is no package-level instance.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*models.DIDRecord)}
}

func (m *Memory) Create(ctx context.Context, id, faceHash, owner string) (*StagedTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[id]; exists {
		return nil, dErrors.Wrap(sentinel.ErrConflict, dErrors.CodeDuplicateID,
			fmt.Sprintf("DID %s already exists", id))
	}

	now := requestcontext.Now(ctx)
	record, err := models.NewDIDRecord(id, faceHash, owner, now)
	if err != nil {
		return nil, err
	}
	m.records[id] = record
	m.order = append(m.order, id)

	return &StagedTransition{
		DID:      id,
		Action:   models.ActionCreate,
		Target:   models.StateCreated,
		FaceHash: faceHash,
		StagedAt: now,
	}, nil
}

func (m *Memory) Stage(ctx context.Context, id string, action models.Action, faceHash string) (*StagedTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.find(id)
	if err != nil {
		return nil, err
	}
	if err := record.CanStage(action); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	record.ApplyStage(action, faceHash, now)

	return &StagedTransition{
		DID:      id,
		Action:   action,
		Target:   action.Target(),
		FaceHash: faceHash,
		StagedAt: now,
	}, nil
}

func (m *Memory) AttachHandle(ctx context.Context, id, txHandle string, submittedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.find(id)
	if err != nil {
		return err
	}
	idx := record.PendingIndex()
	if idx < 0 {
		return dErrors.Newf(dErrors.CodeNotFound, "DID %s has no transition in flight", id)
	}
	record.Log[idx].TxHandle = txHandle
	record.Log[idx].SubmittedAt = submittedAt
	return nil
}

func (m *Memory) Commit(ctx context.Context, id, txHandle string) (*models.DIDRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.find(id)
	if err != nil {
		return nil, err
	}
	idx := record.PendingIndex()
	if idx < 0 || record.Log[idx].TxHandle != txHandle {
		return nil, dErrors.Newf(dErrors.CodeNotFound,
			"no pending transaction %s for DID %s", txHandle, id)
	}
	record.ApplyCommit(idx, requestcontext.Now(ctx))
	return record.Snapshot(), nil
}

func (m *Memory) Abandon(ctx context.Context, id, txHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.find(id)
	if err != nil {
		return err
	}
	idx := record.PendingIndex()
	if idx < 0 || record.Log[idx].TxHandle != txHandle {
		return dErrors.Newf(dErrors.CodeNotFound,
			"no pending transaction %s for DID %s", txHandle, id)
	}
	record.ApplyAbandon(idx)
	return nil
}

func (m *Memory) CommitAbandoned(ctx context.Context, id, txHandle string) (*models.DIDRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.find(id)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range record.Log {
		if record.Log[i].Abandoned && !record.Log[i].Confirmed && record.Log[i].TxHandle == txHandle {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, dErrors.Newf(dErrors.CodeNotFound,
			"no abandoned transaction %s for DID %s", txHandle, id)
	}

	// The world may have moved on since the abandonment: only reconcile
	// when the edge is still legal and nothing else is in flight.
	if err := record.CanStage(record.Log[idx].Action); err != nil {
		return nil, err
	}

	record.Log[idx].Abandoned = false
	record.ApplyCommit(idx, requestcontext.Now(ctx))
	return record.Snapshot(), nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.DIDRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, err := m.find(id)
	if err != nil {
		return nil, err
	}
	return record.Snapshot(), nil
}

func (m *Memory) List(_ context.Context, offset, limit int) ([]*models.DIDRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(m.order) {
		return nil, nil
	}
	ids := m.order[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	out := make([]*models.DIDRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.records[id].Snapshot())
	}
	return out, nil
}

// find must be called with the lock held.
func (m *Memory) find(id string) (*models.DIDRecord, error) {
	if record, ok := m.records[id]; ok {
		return record, nil
	}
	return nil, dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound,
		fmt.Sprintf("DID %s not found", id))
}

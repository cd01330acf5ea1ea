package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"facedid/internal/did/models"
	dErrors "facedid/pkg/domain-errors"
	"facedid/pkg/platform/sentinel"
	"facedid/pkg/requestcontext"
)

// Postgres persists DID records in PostgreSQL. The staging guard is
// enforced with SELECT ... FOR UPDATE: the record row is locked for the
// whole validate-then-mutate sequence, so concurrent stages serialize at
// the database and at most one sees no pending entry.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed registry.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the registry tables when they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS did_records (
	id              TEXT PRIMARY KEY,
	state           TEXT NOT NULL,
	face_hash       TEXT NOT NULL DEFAULT '',
	owner_hash      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	last_updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS did_transactions (
	seq          BIGSERIAL PRIMARY KEY,
	did_id       TEXT NOT NULL REFERENCES did_records(id),
	action       TEXT NOT NULL,
	tx_handle    TEXT NOT NULL DEFAULT '',
	face_hash    TEXT NOT NULL DEFAULT '',
	staged_at    TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ,
	confirmed    BOOLEAN NOT NULL DEFAULT FALSE,
	abandoned    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS did_transactions_did_id_idx ON did_transactions (did_id);
`
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure registry schema: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, id, faceHash, owner string) (*StagedTransition, error) {
	now := requestcontext.Now(ctx)
	record, err := models.NewDIDRecord(id, faceHash, owner, now)
	if err != nil {
		return nil, err
	}

	staged, err := inTx(ctx, p.db, func(tx *sql.Tx) (*StagedTransition, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO did_records (id, state, face_hash, owner_hash, created_at, last_updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			record.ID, record.State, record.FaceHash, record.Owner, record.CreatedAt, record.LastUpdatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
				return nil, dErrors.Wrap(sentinel.ErrConflict, dErrors.CodeDuplicateID,
					fmt.Sprintf("DID %s already exists", id))
			}
			return nil, fmt.Errorf("insert did record: %w", err)
		}
		if err := insertLogEntry(ctx, tx, id, &record.Log[0]); err != nil {
			return nil, err
		}
		return &StagedTransition{
			DID:      id,
			Action:   models.ActionCreate,
			Target:   models.StateCreated,
			FaceHash: faceHash,
			StagedAt: now,
		}, nil
	})
	return staged, err
}

func (p *Postgres) Stage(ctx context.Context, id string, action models.Action, faceHash string) (*StagedTransition, error) {
	now := requestcontext.Now(ctx)
	return inTx(ctx, p.db, func(tx *sql.Tx) (*StagedTransition, error) {
		record, err := loadRecord(ctx, tx, id, true)
		if err != nil {
			return nil, err
		}
		if err := record.CanStage(action); err != nil {
			return nil, err
		}
		entry := record.ApplyStage(action, faceHash, now)
		if err := insertLogEntry(ctx, tx, id, entry); err != nil {
			return nil, err
		}
		return &StagedTransition{
			DID:      id,
			Action:   action,
			Target:   action.Target(),
			FaceHash: faceHash,
			StagedAt: now,
		}, nil
	})
}

func (p *Postgres) AttachHandle(ctx context.Context, id, txHandle string, submittedAt time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE did_transactions SET tx_handle = $1, submitted_at = $2
		 WHERE did_id = $3 AND NOT confirmed AND NOT abandoned`,
		txHandle, submittedAt, id)
	if err != nil {
		return fmt.Errorf("attach tx handle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dErrors.Newf(dErrors.CodeNotFound, "DID %s has no transition in flight", id)
	}
	return nil
}

func (p *Postgres) Commit(ctx context.Context, id, txHandle string) (*models.DIDRecord, error) {
	now := requestcontext.Now(ctx)
	return inTx(ctx, p.db, func(tx *sql.Tx) (*models.DIDRecord, error) {
		record, err := loadRecord(ctx, tx, id, true)
		if err != nil {
			return nil, err
		}
		idx := record.PendingIndex()
		if idx < 0 || record.Log[idx].TxHandle != txHandle {
			return nil, dErrors.Newf(dErrors.CodeNotFound,
				"no pending transaction %s for DID %s", txHandle, id)
		}
		record.ApplyCommit(idx, now)

		if _, err := tx.ExecContext(ctx,
			`UPDATE did_transactions SET confirmed = TRUE
			 WHERE did_id = $1 AND tx_handle = $2 AND NOT confirmed AND NOT abandoned`,
			id, txHandle); err != nil {
			return nil, fmt.Errorf("confirm transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE did_records SET state = $1, face_hash = $2, last_updated_at = $3 WHERE id = $4`,
			record.State, record.FaceHash, record.LastUpdatedAt, id); err != nil {
			return nil, fmt.Errorf("advance record state: %w", err)
		}
		return record, nil
	})
}

func (p *Postgres) Abandon(ctx context.Context, id, txHandle string) error {
	_, err := inTx(ctx, p.db, func(tx *sql.Tx) (struct{}, error) {
		record, err := loadRecord(ctx, tx, id, true)
		if err != nil {
			return struct{}{}, err
		}
		idx := record.PendingIndex()
		if idx < 0 || record.Log[idx].TxHandle != txHandle {
			return struct{}{}, dErrors.Newf(dErrors.CodeNotFound,
				"no pending transaction %s for DID %s", txHandle, id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE did_transactions SET abandoned = TRUE
			 WHERE did_id = $1 AND tx_handle = $2 AND NOT confirmed AND NOT abandoned`,
			id, txHandle); err != nil {
			return struct{}{}, fmt.Errorf("abandon transaction: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (p *Postgres) CommitAbandoned(ctx context.Context, id, txHandle string) (*models.DIDRecord, error) {
	now := requestcontext.Now(ctx)
	return inTx(ctx, p.db, func(tx *sql.Tx) (*models.DIDRecord, error) {
		record, err := loadRecord(ctx, tx, id, true)
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
		if err := record.CanStage(record.Log[idx].Action); err != nil {
			return nil, err
		}
		record.Log[idx].Abandoned = false
		record.ApplyCommit(idx, now)

		if _, err := tx.ExecContext(ctx,
			`UPDATE did_transactions SET abandoned = FALSE, confirmed = TRUE
			 WHERE did_id = $1 AND tx_handle = $2 AND abandoned AND NOT confirmed`,
			id, txHandle); err != nil {
			return nil, fmt.Errorf("reconcile transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE did_records SET state = $1, face_hash = $2, last_updated_at = $3 WHERE id = $4`,
			record.State, record.FaceHash, record.LastUpdatedAt, id); err != nil {
			return nil, fmt.Errorf("advance record state: %w", err)
		}
		return record, nil
	})
}

func (p *Postgres) Get(ctx context.Context, id string) (*models.DIDRecord, error) {
	return inTx(ctx, p.db, func(tx *sql.Tx) (*models.DIDRecord, error) {
		return loadRecord(ctx, tx, id, false)
	})
}

func (p *Postgres) List(ctx context.Context, offset, limit int) ([]*models.DIDRecord, error) {
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id FROM did_records ORDER BY created_at ASC, id ASC OFFSET $1`
	args := []any{offset}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list did records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan did id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list did records: %w", err)
	}

	out := make([]*models.DIDRecord, 0, len(ids))
	for _, id := range ids {
		record, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func insertLogEntry(ctx context.Context, tx *sql.Tx, id string, entry *models.TransactionRecord) error {
	var submittedAt *time.Time
	if !entry.SubmittedAt.IsZero() {
		submittedAt = &entry.SubmittedAt
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO did_transactions (did_id, action, tx_handle, face_hash, staged_at, submitted_at, confirmed, abandoned)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, entry.Action, entry.TxHandle, entry.FaceHash, entry.StagedAt, submittedAt, entry.Confirmed, entry.Abandoned)
	if err != nil {
		return fmt.Errorf("insert transaction record: %w", err)
	}
	return nil
}

func loadRecord(ctx context.Context, tx *sql.Tx, id string, forUpdate bool) (*models.DIDRecord, error) {
	query := `SELECT id, state, face_hash, owner_hash, created_at, last_updated_at FROM did_records WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	record := &models.DIDRecord{}
	err := tx.QueryRowContext(ctx, query, id).Scan(
		&record.ID, &record.State, &record.FaceHash, &record.Owner,
		&record.CreatedAt, &record.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound,
			fmt.Sprintf("DID %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load did record: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT action, tx_handle, face_hash, staged_at, submitted_at, confirmed, abandoned
		 FROM did_transactions WHERE did_id = $1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load transaction log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry models.TransactionRecord
		var submittedAt sql.NullTime
		if err := rows.Scan(&entry.Action, &entry.TxHandle, &entry.FaceHash,
			&entry.StagedAt, &submittedAt, &entry.Confirmed, &entry.Abandoned); err != nil {
			return nil, fmt.Errorf("scan transaction record: %w", err)
		}
		if submittedAt.Valid {
			entry.SubmittedAt = submittedAt.Time
		}
		record.Log = append(record.Log, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load transaction log: %w", err)
	}
	return record, nil
}

// inTx runs fn inside a transaction, committing on success.
func inTx[T any](ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin tx: %w", err)
	}
	out, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

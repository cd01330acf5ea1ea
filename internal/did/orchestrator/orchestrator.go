// Package orchestrator sequences the three-phase lifecycle protocol:
// prepare collaborator artifacts, stage the transition in the registry,
// then submit to the ledger and commit or abandon on the confirmation
// outcome. The registry is the only authority on transition legality;
// this package owns the I/O choreography around it.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"facedid/internal/audit"
	"facedid/internal/did/cache"
	"facedid/internal/did/metrics"
	"facedid/internal/did/models"
	"facedid/internal/did/registry"
	"facedid/internal/face"
	"facedid/internal/ledger"
	dErrors "facedid/pkg/domain-errors"
	"facedid/pkg/requestcontext"
)

// FaceService is the face-recognition collaborator surface the
// orchestrator needs.
type FaceService interface {
	Detect(ctx context.Context, image []byte) (*face.DetectResult, error)
	Compare(ctx context.Context, storedRef, candidateRef string) (*face.CompareResult, error)
}

// ContentStore is the content-addressed storage surface.
type ContentStore interface {
	Add(ctx context.Context, name string, payload []byte) (string, error)
	Cat(ctx context.Context, hash string) ([]byte, error)
	Stat(ctx context.Context, hash string) error
}

// Ledger is the blockchain collaborator surface.
type Ledger interface {
	Submit(ctx context.Context, payload ledger.Payload) (string, error)
	AwaitConfirmation(ctx context.Context, txHandle string) error
	Status(ctx context.Context, txHandle string) error
}

// Orchestrator drives DID lifecycle operations end to end.
type Orchestrator struct {
	registry registry.Registry
	faces    FaceService
	store    ContentStore
	ledger   Ledger
	cache    *cache.Cache
	audit    *audit.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer

	owner          string
	confirmTimeout time.Duration
}

// Config carries the orchestrator's collaborators and policy.
type Config struct {
	Registry registry.Registry
	Faces    FaceService
	Store    ContentStore
	Ledger   Ledger
	Cache    *cache.Cache
	Audit    *audit.Publisher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// WalletAddress is hashed into the owner credential carried by every
	// ledger payload.
	WalletAddress  string
	ConfirmTimeout time.Duration
}

func New(cfg Config) *Orchestrator {
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{
		registry:       cfg.Registry,
		faces:          cfg.Faces,
		store:          cfg.Store,
		ledger:         cfg.Ledger,
		cache:          cfg.Cache,
		audit:          cfg.Audit,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		tracer:         otel.Tracer("facedid/orchestrator"),
		owner:          ledger.OwnerHash(cfg.WalletAddress),
		confirmTimeout: timeout,
	}
}

// DetectedFace is one face found in an uploaded frame, with its embedding
// persisted in the content store.
type DetectedFace struct {
	Confidence   float64 `json:"confidence"`
	BBox         []int   `json:"bbox,omitempty"`
	EmbeddingRef string  `json:"embedding_ref"`
}

// DetectOutput is the result of a detection run.
type DetectOutput struct {
	Faces    []DetectedFace `json:"faces"`
	ImageRef string         `json:"image_ref"`
}

// Detect runs face detection on an image, stores the frame and every
// embedding in the content store, and returns the refs. Uploads run
// concurrently; one failure fails the whole call.
func (o *Orchestrator) Detect(ctx context.Context, image []byte) (*DetectOutput, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Detect")
	defer span.End()

	if len(image) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "image payload is empty")
	}

	result, err := o.faces.Detect(ctx, image)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("faces.count", len(result.Faces)))

	out := &DetectOutput{Faces: make([]DetectedFace, len(result.Faces))}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ref, err := o.store.Add(gctx, "frame.jpg", image)
		if err != nil {
			return err
		}
		out.ImageRef = ref
		return nil
	})
	for i, f := range result.Faces {
		g.Go(func() error {
			ref, err := o.storeEmbedding(gctx, f.Embedding)
			if err != nil {
				return err
			}
			out.Faces[i] = DetectedFace{
				Confidence:   f.Confidence,
				BBox:         f.BBox,
				EmbeddingRef: ref,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) storeEmbedding(ctx context.Context, embedding []float64) (string, error) {
	payload, err := json.Marshal(embedding)
	if err != nil {
		return "", fmt.Errorf("encode embedding: %w", err)
	}
	return o.store.Add(ctx, "embedding.json", payload)
}

// resolveEmbedding turns the caller's biometric input into a content ref:
// a raw image is detected and its first face's embedding stored, a
// pre-computed ref is verified to resolve.
func (o *Orchestrator) resolveEmbedding(ctx context.Context, image []byte, embeddingRef string) (string, error) {
	switch {
	case len(image) > 0:
		result, err := o.faces.Detect(ctx, image)
		if err != nil {
			return "", err
		}
		if len(result.Faces) == 0 {
			return "", dErrors.New(dErrors.CodeDetectionFailed, "no face detected in image")
		}
		return o.storeEmbedding(ctx, result.Faces[0].Embedding)
	case embeddingRef != "":
		if err := o.store.Stat(ctx, embeddingRef); err != nil {
			return "", err
		}
		return embeddingRef, nil
	default:
		return "", dErrors.New(dErrors.CodeBadRequest, "either an image or an embedding_ref is required")
	}
}

// CreateInput carries the Create request. Exactly one of Image or
// EmbeddingRef supplies the biometric anchor; ID is optional and derived
// from the embedding ref when absent.
type CreateInput struct {
	ID           string
	Image        []byte
	EmbeddingRef string
}

// Create allocates a DID anchored to a face embedding and confirms the
// Create transition on the ledger.
func (o *Orchestrator) Create(ctx context.Context, input CreateInput) (*models.DIDRecord, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Create")
	defer span.End()

	embeddingRef, err := o.resolveEmbedding(ctx, input.Image, input.EmbeddingRef)
	if err != nil {
		return nil, err
	}

	id := input.ID
	if id == "" {
		id = "did:cardano:" + ledger.Suffix(embeddingRef)
	}
	span.SetAttributes(attribute.String("did.id", id))

	staged, err := o.registry.Create(ctx, id, embeddingRef, o.owner)
	if err != nil {
		o.recordRejection(ctx, id, models.ActionCreate, err)
		return nil, err
	}
	return o.confirmStaged(ctx, staged)
}

// Register confirms the holder's initial on-ledger registration.
func (o *Orchestrator) Register(ctx context.Context, id string) (*models.DIDRecord, error) {
	return o.transition(ctx, id, models.ActionRegister, "")
}

// UpdateInput carries the replacement biometric for an Update.
type UpdateInput struct {
	Image        []byte
	EmbeddingRef string
}

// Update replaces the DID's face embedding. A committed update drops any
// prior verification; the holder re-verifies against the new anchor.
func (o *Orchestrator) Update(ctx context.Context, id string, input UpdateInput) (*models.DIDRecord, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Update")
	defer span.End()

	embeddingRef, err := o.resolveEmbedding(ctx, input.Image, input.EmbeddingRef)
	if err != nil {
		return nil, err
	}
	return o.transition(ctx, id, models.ActionUpdate, embeddingRef)
}

// VerifyInput carries the candidate biometric for a Verify. When both
// fields are empty the stored embedding is checked against itself, which
// proves the anchor is still resolvable.
type VerifyInput struct {
	Image        []byte
	CandidateRef string
}

// VerifyResult reports the comparison verdict. Record is set only when
// the verification transition was committed.
type VerifyResult struct {
	Verified   bool              `json:"verified"`
	Confidence float64           `json:"confidence"`
	Record     *models.DIDRecord `json:"record,omitempty"`
}

// Verify compares a candidate embedding against the DID's anchor and, on
// a match, commits the Verified transition. A failed comparison is not an
// error: it returns verified=false and leaves the record untouched.
func (o *Orchestrator) Verify(ctx context.Context, id string, input VerifyInput) (*VerifyResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("did.id", id))

	record, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Fail the edge check before paying for a comparison.
	if err := record.CanStage(models.ActionVerify); err != nil {
		o.recordRejection(ctx, id, models.ActionVerify, err)
		return nil, err
	}

	candidateRef := input.CandidateRef
	switch {
	case len(input.Image) > 0:
		candidateRef, err = o.resolveEmbedding(ctx, input.Image, "")
		if err != nil {
			return nil, err
		}
	case candidateRef == "":
		// Self-check: prove the stored anchor still resolves and matches.
		candidateRef = record.FaceHash
	}

	comparison, err := o.faces.Compare(ctx, record.FaceHash, candidateRef)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("verify.match", comparison.Match))

	if !comparison.Match {
		o.metrics.RecordOp(string(models.ActionVerify), string(audit.OutcomeRejected))
		o.audit.Emit(ctx, audit.Event{
			DID:     id,
			Action:  string(models.ActionVerify),
			Outcome: audit.OutcomeRejected,
			Reason:  "embedding comparison did not match",
		})
		return &VerifyResult{Verified: false, Confidence: comparison.Confidence}, nil
	}

	updated, err := o.transition(ctx, id, models.ActionVerify, "")
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Verified: true, Confidence: comparison.Confidence, Record: updated}, nil
}

// Revoke terminally retires the DID. The caller must set confirm; a
// revocation is irreversible.
func (o *Orchestrator) Revoke(ctx context.Context, id string, confirm bool) (*models.DIDRecord, error) {
	if !confirm {
		return nil, dErrors.New(dErrors.CodeBadRequest, "revocation requires explicit confirmation")
	}
	return o.transition(ctx, id, models.ActionRevoke, "")
}

// Get returns a snapshot of one record, served from the read cache when
// warm.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.DIDRecord, error) {
	if record, err := o.cache.Get(ctx, id); err == nil {
		return record, nil
	}
	record, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.cache.Set(ctx, record); err != nil {
		o.logger.Warn("record not cached", "did", id, "error", err.Error())
	}
	return record, nil
}

// List returns record snapshots ordered by creation time.
func (o *Orchestrator) List(ctx context.Context, offset, limit int) ([]*models.DIDRecord, error) {
	return o.registry.List(ctx, offset, limit)
}

// transition runs the staged/submit/confirm protocol for an action on an
// existing record.
func (o *Orchestrator) transition(ctx context.Context, id string, action models.Action, faceHash string) (*models.DIDRecord, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator."+string(action))
	defer span.End()
	span.SetAttributes(attribute.String("did.id", id))

	record, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	effectiveHash := faceHash
	if effectiveHash == "" {
		effectiveHash = record.FaceHash
	}
	if err := record.ValidateDatum(action, effectiveHash); err != nil {
		o.recordRejection(ctx, id, action, err)
		return nil, err
	}

	staged, err := o.registry.Stage(ctx, id, action, faceHash)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeTransitionInFlight) {
			o.metrics.RecordStageConflict()
		}
		o.recordRejection(ctx, id, action, err)
		return nil, err
	}
	return o.confirmStaged(ctx, staged)
}

// confirmStaged submits a staged transition and settles it: commit on
// confirmation, abandon on submission failure or confirmation timeout.
func (o *Orchestrator) confirmStaged(ctx context.Context, staged *registry.StagedTransition) (*models.DIDRecord, error) {
	record, err := o.registry.Get(ctx, staged.DID)
	if err != nil {
		return nil, err
	}
	payload := ledger.BuildPayload(record, staged.Action, staged.FaceHash)

	txHandle, err := o.ledger.Submit(ctx, payload)
	if err != nil {
		o.settleAbandon(ctx, staged, "", "ledger submission failed")
		return nil, err
	}
	if err := o.registry.AttachHandle(ctx, staged.DID, txHandle, requestcontext.Now(ctx)); err != nil {
		// The entry never recorded the handle, so the abandon matches on an
		// empty one. The slot must be released either way or the DID stays
		// locked behind the in-flight guard.
		o.settleAbandon(ctx, staged, "", "ledger handle could not be recorded")
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.confirmTimeout)
	defer cancel()
	start := time.Now()
	err = o.ledger.AwaitConfirmation(waitCtx, txHandle)
	o.metrics.ObserveConfirmationWait(time.Since(start))
	if err != nil {
		o.settleAbandon(ctx, staged, txHandle, "confirmation window expired")
		return nil, dErrors.Wrapf(err, dErrors.CodeTimeout,
			"transaction %s not confirmed within %s", txHandle, o.confirmTimeout)
	}

	updated, err := o.registry.Commit(ctx, staged.DID, txHandle)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordOp(string(staged.Action), string(audit.OutcomeCommitted))
	o.audit.Emit(ctx, audit.Event{
		DID:      staged.DID,
		Action:   string(staged.Action),
		Outcome:  audit.OutcomeCommitted,
		TxHandle: txHandle,
	})
	o.invalidate(ctx, staged.DID)
	o.logger.Info("transition committed",
		"did", staged.DID,
		"action", staged.Action,
		"state", updated.State,
		"tx_handle", txHandle,
	)
	return updated, nil
}

// settleAbandon releases the in-flight slot after a failed submission or
// an expired confirmation window. Cleanup runs detached from the request
// deadline so an expired ctx cannot strand the pending entry.
func (o *Orchestrator) settleAbandon(ctx context.Context, staged *registry.StagedTransition, txHandle, reason string) {
	cleanupCtx := context.WithoutCancel(ctx)
	if err := o.registry.Abandon(cleanupCtx, staged.DID, txHandle); err != nil {
		o.logger.Error("abandon failed, pending entry stranded",
			"did", staged.DID,
			"action", staged.Action,
			"error", err.Error(),
		)
	}
	o.metrics.RecordOp(string(staged.Action), string(audit.OutcomeAbandoned))
	o.audit.Emit(cleanupCtx, audit.Event{
		DID:      staged.DID,
		Action:   string(staged.Action),
		Outcome:  audit.OutcomeAbandoned,
		TxHandle: txHandle,
		Reason:   reason,
	})
	o.invalidate(cleanupCtx, staged.DID)
	o.logger.Warn("transition abandoned",
		"did", staged.DID,
		"action", staged.Action,
		"reason", reason,
	)
}

func (o *Orchestrator) recordRejection(ctx context.Context, id string, action models.Action, cause error) {
	o.metrics.RecordOp(string(action), string(audit.OutcomeRejected))
	o.audit.Emit(ctx, audit.Event{
		DID:     id,
		Action:  string(action),
		Outcome: audit.OutcomeRejected,
		Reason:  dErrors.MessageOf(cause),
	})
}

func (o *Orchestrator) invalidate(ctx context.Context, id string) {
	if err := o.cache.Invalidate(ctx, id); err != nil {
		o.logger.Warn("cache invalidation failed", "did", id, "error", err.Error())
	}
}

// Reconcile sweeps abandoned transactions whose submissions later
// confirmed on the ledger and re-applies them where the edge is still
// legal. Returns the number of records repaired.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Reconcile")
	defer span.End()

	records, err := o.registry.List(ctx, 0, 0)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, record := range records {
		for i := range record.Log {
			entry := &record.Log[i]
			if !entry.Abandoned || entry.TxHandle == "" {
				continue
			}
			if err := o.ledger.Status(ctx, entry.TxHandle); err != nil {
				continue
			}
			updated, err := o.registry.CommitAbandoned(ctx, record.ID, entry.TxHandle)
			if err != nil {
				o.logger.Debug("late confirmation not reapplied",
					"did", record.ID,
					"tx_handle", entry.TxHandle,
					"error", err.Error(),
				)
				continue
			}
			repaired++
			o.metrics.RecordOp(string(entry.Action), string(audit.OutcomeCommitted))
			o.audit.Emit(ctx, audit.Event{
				DID:      record.ID,
				Action:   string(entry.Action),
				Outcome:  audit.OutcomeCommitted,
				TxHandle: entry.TxHandle,
				Reason:   "late confirmation reconciled",
			})
			o.invalidate(ctx, record.ID)
			o.logger.Info("late confirmation reconciled",
				"did", record.ID,
				"action", entry.Action,
				"state", updated.State,
				"tx_handle", entry.TxHandle,
			)
		}
	}
	return repaired, nil
}

// Package handler exposes the lifecycle API over HTTP. It owns request
// decoding, the dErrors-to-status mapping and response shaping; all
// domain behavior lives in the orchestrator.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"facedid/internal/did/models"
	"facedid/internal/did/orchestrator"
	"facedid/internal/platform/middleware"
	dErrors "facedid/pkg/domain-errors"
)

// maxImageBytes bounds multipart image uploads.
const maxImageBytes = 10 << 20

// Service is the lifecycle surface the transport layer consumes. The
// orchestrator satisfies it.
type Service interface {
	Detect(ctx context.Context, image []byte) (*orchestrator.DetectOutput, error)
	Create(ctx context.Context, input orchestrator.CreateInput) (*models.DIDRecord, error)
	Register(ctx context.Context, id string) (*models.DIDRecord, error)
	Update(ctx context.Context, id string, input orchestrator.UpdateInput) (*models.DIDRecord, error)
	Verify(ctx context.Context, id string, input orchestrator.VerifyInput) (*orchestrator.VerifyResult, error)
	Revoke(ctx context.Context, id string, confirm bool) (*models.DIDRecord, error)
	Get(ctx context.Context, id string) (*models.DIDRecord, error)
	List(ctx context.Context, offset, limit int) ([]*models.DIDRecord, error)
}

// HealthProbe checks one collaborator's reachability.
type HealthProbe func(ctx context.Context) error

type Handler struct {
	service Service
	probes  map[string]HealthProbe
	logger  *slog.Logger
}

func New(service Service, probes map[string]HealthProbe, logger *slog.Logger) *Handler {
	return &Handler{service: service, probes: probes, logger: logger}
}

// Routes mounts the lifecycle API. Mutating routes sit behind JWT auth;
// reads and health do not.
func (h *Handler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)
	r.Get("/did/{did}", h.GetRecord)
	r.Get("/did/{did}/status", h.GetStatus)
	r.Get("/dids", h.ListRecords)
	r.Get("/dids/export", h.ExportRecords)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/detect-faces", h.DetectFaces)
		r.Post("/did/create", h.CreateDID)
		r.Post("/did/{did}/register", h.RegisterDID)
		r.Post("/did/{did}/update", h.UpdateDID)
		r.Post("/did/{did}/verify", h.VerifyDID)
		r.Post("/did/{did}/revoke", h.RevokeDID)
	})

	return r
}

// Health reports liveness plus per-collaborator reachability. The service
// itself answering is the liveness signal; collaborator failures degrade
// the report without failing it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	collaborators := make(map[string]string, len(h.probes))
	for name, probe := range h.probes {
		if err := probe(r.Context()); err != nil {
			collaborators[name] = "unreachable"
			status = "degraded"
			continue
		}
		collaborators[name] = "ok"
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"collaborators": collaborators,
	})
}

// DetectFaces accepts a multipart image upload, runs detection and stores
// the frame plus every embedding.
func (h *Handler) DetectFaces(w http.ResponseWriter, r *http.Request) {
	image, err := readImage(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.service.Detect(r.Context(), image)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

type createRequest struct {
	ID           string `json:"id,omitempty"`
	EmbeddingRef string `json:"embedding_ref,omitempty"`
}

// CreateDID accepts either a JSON body with a pre-computed embedding ref
// or a multipart image upload.
func (h *Handler) CreateDID(w http.ResponseWriter, r *http.Request) {
	input := orchestrator.CreateInput{}
	if isMultipart(r) {
		image, err := readImage(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		input.Image = image
		input.ID = r.FormValue("id")
	} else {
		var req createRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
		input.ID = req.ID
		input.EmbeddingRef = req.EmbeddingRef
	}

	record, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) RegisterDID(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Register(r.Context(), chi.URLParam(r, "did"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

type updateRequest struct {
	EmbeddingRef string `json:"embedding_ref,omitempty"`
}

func (h *Handler) UpdateDID(w http.ResponseWriter, r *http.Request) {
	input := orchestrator.UpdateInput{}
	if isMultipart(r) {
		image, err := readImage(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		input.Image = image
	} else {
		var req updateRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
		input.EmbeddingRef = req.EmbeddingRef
	}

	record, err := h.service.Update(r.Context(), chi.URLParam(r, "did"), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

type verifyRequest struct {
	CandidateRef string `json:"candidate_ref,omitempty"`
}

func (h *Handler) VerifyDID(w http.ResponseWriter, r *http.Request) {
	input := orchestrator.VerifyInput{}
	if isMultipart(r) {
		image, err := readImage(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		input.Image = image
	} else if r.ContentLength > 0 {
		var req verifyRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
		input.CandidateRef = req.CandidateRef
	}

	result, err := h.service.Verify(r.Context(), chi.URLParam(r, "did"), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type revokeRequest struct {
	Confirm bool `json:"confirm"`
}

func (h *Handler) RevokeDID(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	record, err := h.service.Revoke(r.Context(), chi.URLParam(r, "did"), req.Confirm)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

type didDocument struct {
	ID             string              `json:"id"`
	Controller     string              `json:"controller"`
	State          string              `json:"state"`
	Authentication []authenticationRef `json:"authentication"`
	Created        time.Time           `json:"created"`
	Updated        time.Time           `json:"updated"`
}

type authenticationRef struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// GetRecord serves the document view: the doc-shaped projection of the
// committed record, without the transaction log.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Get(r.Context(), chi.URLParam(r, "did"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	doc := didDocument{
		ID:         record.ID,
		Controller: record.Owner,
		State:      string(record.State),
		Created:    record.CreatedAt,
		Updated:    record.LastUpdatedAt,
	}
	if record.FaceHash != "" {
		doc.Authentication = []authenticationRef{{Type: "FaceEmbedding", Ref: record.FaceHash}}
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// GetStatus serves the full record snapshot including the transaction log
// and an in-flight flag.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Get(r.Context(), chi.URLParam(r, "did"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"record":               record,
		"transition_in_flight": record.PendingIndex() >= 0,
	})
}

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)

	records, err := h.service.List(r.Context(), offset, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"offset":  offset,
		"limit":   limit,
		"count":   len(records),
	})
}

// ExportRecords streams every record as a JSON array attachment.
func (h *Handler) ExportRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.List(r.Context(), 0, 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="did-records.json"`)
	if err := json.NewEncoder(w).Encode(records); err != nil {
		h.logger.Error("export encode failed", "error", err.Error())
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := dErrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"code", code,
			"error", err.Error(),
		)
	}
	h.writeJSON(w, status, errorResponse{
		Error:     dErrors.MessageOf(err),
		Code:      string(code),
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

func statusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeDuplicateID, dErrors.CodeTransitionInFlight:
		return http.StatusConflict
	case dErrors.CodeInvalidEdge, dErrors.CodeAlreadyRevoked:
		return http.StatusUnprocessableEntity
	case dErrors.CodeBadRequest, dErrors.CodeInvariantViolation, dErrors.CodeDetectionFailed:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeStorageUnavailable, dErrors.CodeSubmissionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("response encode failed", "error", err.Error())
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed JSON body")
	}
	return nil
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

func readImage(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed multipart body")
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, dErrors.New(dErrors.CodeBadRequest, `multipart field "file" is required`)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "unreadable image upload")
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, maxImageBytes))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "unreadable image upload")
	}
	if len(image) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "image payload is empty")
	}
	return image, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facedid/internal/did/models"
	"facedid/internal/did/orchestrator"
	dErrors "facedid/pkg/domain-errors"
	"facedid/pkg/testutil"
)

type fakeService struct {
	record    *models.DIDRecord
	records   []*models.DIDRecord
	detectOut *orchestrator.DetectOutput
	verifyOut *orchestrator.VerifyResult
	err       error

	lastCreate  orchestrator.CreateInput
	lastVerify  orchestrator.VerifyInput
	lastConfirm bool
}

func (f *fakeService) Detect(context.Context, []byte) (*orchestrator.DetectOutput, error) {
	return f.detectOut, f.err
}

func (f *fakeService) Create(_ context.Context, input orchestrator.CreateInput) (*models.DIDRecord, error) {
	f.lastCreate = input
	return f.record, f.err
}

func (f *fakeService) Register(context.Context, string) (*models.DIDRecord, error) {
	return f.record, f.err
}

func (f *fakeService) Update(_ context.Context, _ string, _ orchestrator.UpdateInput) (*models.DIDRecord, error) {
	return f.record, f.err
}

func (f *fakeService) Verify(_ context.Context, _ string, input orchestrator.VerifyInput) (*orchestrator.VerifyResult, error) {
	f.lastVerify = input
	return f.verifyOut, f.err
}

func (f *fakeService) Revoke(_ context.Context, _ string, confirm bool) (*models.DIDRecord, error) {
	f.lastConfirm = confirm
	return f.record, f.err
}

func (f *fakeService) Get(context.Context, string) (*models.DIDRecord, error) {
	return f.record, f.err
}

func (f *fakeService) List(context.Context, int, int) ([]*models.DIDRecord, error) {
	return f.records, f.err
}

func noAuth(next http.Handler) http.Handler { return next }

func newServer(service *fakeService) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	probes := map[string]HealthProbe{
		"face":   func(context.Context) error { return nil },
		"ledger": func(context.Context) error { return errors.New("down") },
	}
	return New(service, probes, logger).Routes(noAuth)
}

func sampleRecord() *models.DIDRecord {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.DIDRecord{
		ID:            "did:cardano:abc123",
		State:         models.StateRegistered,
		FaceHash:      "QmAnchor",
		Owner:         "ownerhash",
		CreatedAt:     now,
		LastUpdatedAt: now,
		Log: []models.TransactionRecord{
			{Action: models.ActionCreate, TxHandle: "tx-1", FaceHash: "QmAnchor", StagedAt: now, Confirmed: true},
			{Action: models.ActionRegister, TxHandle: "tx-2", StagedAt: now, Confirmed: true},
		},
	}
}

func multipartImage(t *testing.T, path string, image []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "frame.jpg")
	require.NoError(t, err)
	_, err = part.Write(image)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	rr := testutil.DoRequest(newServer(&fakeService{}), testutil.NewRequest(t, http.MethodGet, "/health"))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	testutil.DecodeJSON(t, rr, &body)
	assert.Equal(t, "degraded", body["status"], "one probe is down in the fixture")
	collaborators := body["collaborators"].(map[string]any)
	assert.Equal(t, "ok", collaborators["face"])
	assert.Equal(t, "unreachable", collaborators["ledger"])
}

func TestCreateWithJSONBody(t *testing.T) {
	service := &fakeService{record: sampleRecord()}
	req := testutil.NewJSONRequest(t, http.MethodPost, "/did/create", map[string]string{
		"id":            "did:cardano:abc123",
		"embedding_ref": "QmAnchor",
	})

	rr := testutil.DoRequest(newServer(service), req)

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "did:cardano:abc123", service.lastCreate.ID)
	assert.Equal(t, "QmAnchor", service.lastCreate.EmbeddingRef)

	var record models.DIDRecord
	testutil.DecodeJSON(t, rr, &record)
	assert.Equal(t, "did:cardano:abc123", record.ID)
}

func TestCreateWithImageUpload(t *testing.T) {
	service := &fakeService{record: sampleRecord()}

	rr := testutil.DoRequest(newServer(service), multipartImage(t, "/did/create", []byte("jpeg-bytes")))

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, []byte("jpeg-bytes"), service.lastCreate.Image)
}

func TestCreateMalformedJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/did/create", bytes.NewReader([]byte("{nope")))
	req.Header.Set("Content-Type", "application/json")

	rr := testutil.DoRequest(newServer(&fakeService{}), req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDetectFaces(t *testing.T) {
	service := &fakeService{detectOut: &orchestrator.DetectOutput{
		ImageRef: "QmFrame",
		Faces:    []orchestrator.DetectedFace{{Confidence: 0.97, EmbeddingRef: "QmEmb1"}},
	}}

	rr := testutil.DoRequest(newServer(service), multipartImage(t, "/detect-faces", []byte("jpeg")))

	require.Equal(t, http.StatusOK, rr.Code)
	var out orchestrator.DetectOutput
	testutil.DecodeJSON(t, rr, &out)
	assert.Equal(t, "QmFrame", out.ImageRef)
	require.Len(t, out.Faces, 1)
}

func TestDetectFacesMissingFile(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/detect-faces", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rr := testutil.DoRequest(newServer(&fakeService{}), req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVerifyPassesCandidateRef(t *testing.T) {
	service := &fakeService{verifyOut: &orchestrator.VerifyResult{Verified: true, Confidence: 0.93}}
	req := testutil.NewJSONRequest(t, http.MethodPost, "/did/did:cardano:abc123/verify", map[string]string{
		"candidate_ref": "QmCandidate",
	})

	rr := testutil.DoRequest(newServer(service), req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "QmCandidate", service.lastVerify.CandidateRef)

	var result orchestrator.VerifyResult
	testutil.DecodeJSON(t, rr, &result)
	assert.True(t, result.Verified)
}

func TestVerifyFailureIsStillOK(t *testing.T) {
	service := &fakeService{verifyOut: &orchestrator.VerifyResult{Verified: false, Confidence: 0.2}}
	req := testutil.NewJSONRequest(t, http.MethodPost, "/did/did:cardano:abc123/verify", map[string]string{
		"candidate_ref": "QmStranger",
	})

	rr := testutil.DoRequest(newServer(service), req)

	assert.Equal(t, http.StatusOK, rr.Code, "a mismatch is a verdict, not an error")
	var result orchestrator.VerifyResult
	testutil.DecodeJSON(t, rr, &result)
	assert.False(t, result.Verified)
}

func TestRevokeForwardsConfirm(t *testing.T) {
	service := &fakeService{record: sampleRecord()}
	req := testutil.NewJSONRequest(t, http.MethodPost, "/did/did:cardano:abc123/revoke", map[string]bool{
		"confirm": true,
	})

	rr := testutil.DoRequest(newServer(service), req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, service.lastConfirm)
}

func TestGetDocumentView(t *testing.T) {
	service := &fakeService{record: sampleRecord()}

	rr := testutil.DoRequest(newServer(service), testutil.NewRequest(t, http.MethodGet, "/did/did:cardano:abc123"))

	require.Equal(t, http.StatusOK, rr.Code)
	var doc map[string]any
	testutil.DecodeJSON(t, rr, &doc)
	assert.Equal(t, "did:cardano:abc123", doc["id"])
	assert.Equal(t, "ownerhash", doc["controller"])
	assert.Equal(t, "registered", doc["state"])
	assert.NotContains(t, doc, "transaction_log", "document view hides the log")

	auth := doc["authentication"].([]any)
	require.Len(t, auth, 1)
	assert.Equal(t, "QmAnchor", auth[0].(map[string]any)["ref"])
}

func TestGetStatus(t *testing.T) {
	service := &fakeService{record: sampleRecord()}

	rr := testutil.DoRequest(newServer(service), testutil.NewRequest(t, http.MethodGet, "/did/did:cardano:abc123/status"))

	require.Equal(t, http.StatusOK, rr.Code)
	var status map[string]any
	testutil.DecodeJSON(t, rr, &status)
	assert.Equal(t, false, status["transition_in_flight"])

	record := status["record"].(map[string]any)
	assert.Equal(t, "registered", record["state"])
	assert.Len(t, record["transaction_log"].([]any), 2)
}

func TestListDefaults(t *testing.T) {
	service := &fakeService{records: []*models.DIDRecord{sampleRecord()}}

	rr := testutil.DoRequest(newServer(service), testutil.NewRequest(t, http.MethodGet, "/dids"))

	require.Equal(t, http.StatusOK, rr.Code)
	var page map[string]any
	testutil.DecodeJSON(t, rr, &page)
	assert.EqualValues(t, 1, page["count"])
	assert.EqualValues(t, 50, page["limit"])
}

func TestExportSetsAttachment(t *testing.T) {
	service := &fakeService{records: []*models.DIDRecord{sampleRecord()}}

	rr := testutil.DoRequest(newServer(service), testutil.NewRequest(t, http.MethodGet, "/dids/export"))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment")

	var records []*models.DIDRecord
	testutil.DecodeJSON(t, rr, &records)
	require.Len(t, records, 1)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", dErrors.New(dErrors.CodeNotFound, "missing"), http.StatusNotFound},
		{"duplicate", dErrors.New(dErrors.CodeDuplicateID, "exists"), http.StatusConflict},
		{"in flight", dErrors.New(dErrors.CodeTransitionInFlight, "busy"), http.StatusConflict},
		{"invalid edge", dErrors.New(dErrors.CodeInvalidEdge, "illegal"), http.StatusUnprocessableEntity},
		{"revoked", dErrors.New(dErrors.CodeAlreadyRevoked, "terminal"), http.StatusUnprocessableEntity},
		{"detection", dErrors.New(dErrors.CodeDetectionFailed, "no face"), http.StatusBadRequest},
		{"timeout", dErrors.New(dErrors.CodeTimeout, "no confirmation"), http.StatusGatewayTimeout},
		{"storage", dErrors.New(dErrors.CodeStorageUnavailable, "down"), http.StatusBadGateway},
		{"submission", dErrors.New(dErrors.CodeSubmissionFailed, "rejected"), http.StatusBadGateway},
		{"uncoded", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &fakeService{err: tt.err}
			rr := testutil.DoRequest(newServer(service),
				testutil.NewRequest(t, http.MethodGet, "/did/did:cardano:abc123"))

			assert.Equal(t, tt.wantStatus, rr.Code)

			var resp map[string]any
			testutil.DecodeJSON(t, rr, &resp)
			assert.NotEmpty(t, resp["code"])
		})
	}
}

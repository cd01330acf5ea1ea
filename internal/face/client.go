// Package face wraps the face-recognition collaborator. The model itself
// is a black box behind an HTTP API: detection turns image bytes into face
// descriptors with embeddings, comparison scores two embeddings.
package face

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	dErrors "facedid/pkg/domain-errors"
	"facedid/pkg/platform/sentinel"
)

// Face is one detected face. Confidence is an opaque float supplied by the
// model; this service passes it through without reinterpretation.
type Face struct {
	Confidence float64   `json:"confidence"`
	BBox       []int     `json:"bbox,omitempty"`
	Embedding  []float64 `json:"embedding"`
}

// DetectResult is the detection response for one image.
type DetectResult struct {
	Faces []Face `json:"faces"`
}

// CompareResult is the similarity verdict for two embeddings.
type CompareResult struct {
	Match      bool    `json:"match"`
	Confidence float64 `json:"confidence"`
}

// Client talks to the face service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a face service client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Detect runs face detection on raw image bytes. Zero faces is not an
// error at this layer; callers decide whether an empty result is fatal.
func (c *Client) Detect(ctx context.Context, image []byte) (*DetectResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", &body)
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDetectionFailed, "face service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, dErrors.Wrap(readServiceError(resp), dErrors.CodeDetectionFailed, "face detection failed")
	}

	var result DetectResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDetectionFailed, "malformed detection response")
	}
	return &result, nil
}

// Compare scores the embedding stored under storedRef against the
// candidate under candidateRef. Both refs must already be persisted in the
// content store; the face service fetches them itself.
func (c *Client) Compare(ctx context.Context, storedRef, candidateRef string) (*CompareResult, error) {
	payload, err := json.Marshal(map[string]string{
		"stored_ref":    storedRef,
		"candidate_ref": candidateRef,
	})
	if err != nil {
		return nil, fmt.Errorf("build compare request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compare", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build compare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDetectionFailed, "face service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, dErrors.Wrap(readServiceError(resp), dErrors.CodeDetectionFailed, "embedding comparison failed")
	}

	var result CompareResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDetectionFailed, "malformed comparison response")
	}
	return &result, nil
}

// Health probes the face service.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("face service health: %w", sentinel.ErrUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("face service health status %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	}
	return nil
}

func readServiceError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

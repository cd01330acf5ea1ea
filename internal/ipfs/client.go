// Package ipfs wraps the content-addressed storage collaborator using the
// Kubo HTTP API. Payloads are opaque bytes keyed by their content hash.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	dErrors "facedid/pkg/domain-errors"
	"facedid/pkg/platform/sentinel"
)

// Client talks to an IPFS node's HTTP API (Kubo /api/v0).
type Client struct {
	apiURL string
	http   *http.Client
}

// New constructs an IPFS client against the node's API URL, e.g.
// http://localhost:5001.
func New(apiURL string) *Client {
	return &Client{
		apiURL: apiURL + "/api/v0",
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Add stores a payload and returns its content hash (CID).
func (c *Client) Add(ctx context.Context, name string, payload []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/add", &body)
	if err != nil {
		return "", fmt.Errorf("build add request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "content store unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", dErrors.Wrap(
			fmt.Errorf("add status %d", resp.StatusCode),
			dErrors.CodeStorageUnavailable, "content store rejected upload")
	}

	var result struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "malformed add response")
	}
	if result.Hash == "" {
		return "", dErrors.New(dErrors.CodeStorageUnavailable, "content store returned empty hash")
	}
	return result.Hash, nil
}

// Cat fetches the payload stored under a content hash.
func (c *Client) Cat(ctx context.Context, hash string) ([]byte, error) {
	endpoint := c.apiURL + "/cat?arg=" + url.QueryEscape(hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build cat request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "content store unreachable")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound, http.StatusInternalServerError:
		// Kubo reports unknown CIDs as 500 with an error body.
		return nil, dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound,
			fmt.Sprintf("no content for hash %s", hash))
	default:
		return nil, dErrors.Wrap(
			fmt.Errorf("cat status %d", resp.StatusCode),
			dErrors.CodeStorageUnavailable, "content store error")
	}
}

// Stat verifies that a content hash is resolvable without fetching the
// whole payload. Used when a caller supplies a pre-computed hash.
func (c *Client) Stat(ctx context.Context, hash string) error {
	endpoint := c.apiURL + "/block/stat?arg=" + url.QueryEscape(hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build stat request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "content store unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound,
			fmt.Sprintf("no content for hash %s", hash))
	}
	return nil
}

// Health probes the node.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/version", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ipfs health: %w", sentinel.ErrUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ipfs health status %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	}
	return nil
}

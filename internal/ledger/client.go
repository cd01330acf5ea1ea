// Package ledger wraps the blockchain collaborator behind the two calls
// the core needs: submit a lifecycle payload, and poll a submission handle
// until the transaction is durably recorded. Consensus mechanics and key
// management live on the other side of this API.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	dErrors "facedid/pkg/domain-errors"
	"facedid/pkg/platform/sentinel"
)

// ErrNotConfirmed is returned by Status while the ledger has not yet
// durably recorded the transaction.
var ErrNotConfirmed = errors.New("transaction not confirmed")

// Client talks to a Blockfrost-style ledger API.
type Client struct {
	baseURL      string
	projectID    string
	pollInterval time.Duration
	http         *http.Client
}

// New constructs a ledger client. pollInterval bounds how often
// AwaitConfirmation re-polls; the overall deadline comes from ctx.
func New(baseURL, projectID string, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		projectID:    projectID,
		pollInterval: pollInterval,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit sends a signed lifecycle payload and returns the submission
// handle (transaction hash).
func (c *Client) Submit(ctx context.Context, payload Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal ledger payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx/submit", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.projectID != "" {
		req.Header.Set("project_id", c.projectID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeSubmissionFailed, "ledger unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", dErrors.Wrap(
			fmt.Errorf("submit status %d", resp.StatusCode),
			dErrors.CodeSubmissionFailed, "ledger rejected submission")
	}

	var result struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeSubmissionFailed, "malformed submission response")
	}
	if result.TxHash == "" {
		return "", dErrors.New(dErrors.CodeSubmissionFailed, "ledger returned empty tx hash")
	}
	return result.TxHash, nil
}

// Status checks whether the transaction behind a handle is confirmed.
// The ledger answers 404 for transactions it has not recorded yet, so a
// 404 maps to ErrNotConfirmed rather than a hard failure.
func (c *Client) Status(ctx context.Context, txHandle string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/txs/"+txHandle, nil)
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	if c.projectID != "" {
		req.Header.Set("project_id", c.projectID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger status: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotConfirmed
	default:
		return fmt.Errorf("ledger status %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	}
}

// AwaitConfirmation polls Status until the transaction confirms or ctx
// expires. The caller owns the deadline; expiry surfaces as ctx.Err().
func (c *Client) AwaitConfirmation(ctx context.Context, txHandle string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if err := c.Status(ctx, txHandle); err == nil {
			return nil
		}
		// ErrNotConfirmed and transient ledger errors both keep polling
		// until the deadline; the outcome stays unknown either way.

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health probes the ledger API root.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	if c.projectID != "" {
		req.Header.Set("project_id", c.projectID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger health: %w", sentinel.ErrUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger health status %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	}
	return nil
}

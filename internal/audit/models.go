// Package audit captures an append-only trail of lifecycle outcomes.
// Events flow through a channel into a background worker which persists
// them and, when brokers are configured, publishes them to Kafka.
package audit

import "time"

// Outcome describes how a lifecycle operation ended.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeRejected  Outcome = "rejected"
)

// Event is one audit trail entry.
type Event struct {
	ID        string    `json:"id"`
	DID       string    `json:"did"`
	Action    string    `json:"action"`
	Outcome   Outcome   `json:"outcome"`
	TxHandle  string    `json:"tx_handle,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

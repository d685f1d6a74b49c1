// Package runs owns the run lifecycle: creation with budget pre-flight,
// background execution, terminal snapshots in the KV store and optional
// archival to Postgres.
package runs

import (
	"errors"
	"time"

	"github.com/iceos-ai/iceos/common/apperrors"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// NodeError is the serializable form of a node-level failure.
type NodeError struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	NodeID   string `json:"node_id,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Run is the snapshot persisted under run:{id}. Redis is authoritative
// for live runs; the archive holds terminal copies for listing.
type Run struct {
	ID          string `json:"id"`
	BlueprintID string `json:"blueprint_id"`
	Fingerprint string `json:"fingerprint"`
	Status      Status `json:"status"`

	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Errors  []NodeError    `json:"errors,omitempty"`

	EstimateUSD float64 `json:"estimate_usd"`
	CostUSD     float64 `json:"cost_usd"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Error is the terminal failure for failed runs.
	Error *NodeError `json:"error,omitempty"`
}

// toNodeError converts an engine error into its stored form.
func toNodeError(err error) *NodeError {
	if err == nil {
		return nil
	}
	ne := &NodeError{Kind: string(apperrors.KindOf(err)), Message: err.Error()}
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		ne.Message = ae.Message
		ne.NodeID = ae.NodeID
		ne.Attempts = ae.Attempts
	}
	return ne
}

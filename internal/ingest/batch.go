// Package ingest orchestrates the batch ingestion pipeline: batch lifecycle,
// staged loading, validation, deduplication, promotion, and post-promotion
// maintenance against the prop_data schema.
package ingest

import (
	"time"

	"github.com/urbanmetrics/ingest-cli/internal/staging"
)

// Status is the batch lifecycle state. A batch is terminal once completed,
// failed, or rolled_back.
type Status string

const (
	StatusStaging    Status = "staging"
	StatusValidating Status = "validating"
	StatusReady      Status = "ready"
	StatusPromoting  Status = "promoting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// activeStatuses are the states in which a batch owns the pipeline; only one
// batch may be in any of them system-wide.
var activeStatuses = []Status{StatusStaging, StatusValidating, StatusPromoting}

// Batch is the audit record of one ingestion run, one row in
// prop_data.batches. Every downstream stage mutates it.
type Batch struct {
	ID                string            `json:"batch_id"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	Status            Status            `json:"status"`
	FileFingerprints  map[string]string `json:"file_fingerprints,omitempty"`
	SchemaVersion     string            `json:"schema_version"`
	RulesVersion      string            `json:"rules_version"`
	ContractHash      string            `json:"contract_hash"`
	HeaderFingerprint string            `json:"header_fingerprint"`

	RowsLoaded         int64 `json:"rows_loaded"`
	RowsAfterDedup     int64 `json:"rows_after_dedup"`
	RowsOutliersMarked int64 `json:"rows_outliers_marked"`
	RowsPromoted       int64 `json:"rows_promoted"`

	ValidationPassed bool            `json:"validation_passed"`
	ValidationIssues []staging.Issue `json:"validation_issues,omitempty"`
	SemanticWarnings []staging.Issue `json:"semantic_warnings,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
}

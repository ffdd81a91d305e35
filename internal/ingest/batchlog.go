package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/urbanmetrics/ingest-cli/internal/db"
	"github.com/urbanmetrics/ingest-cli/internal/staging"
)

// BatchLog provides read/write access to the prop_data.batches audit table.
type BatchLog struct {
	pool db.Pool
}

// NewBatchLog creates a BatchLog backed by the given connection pool.
func NewBatchLog(pool db.Pool) *BatchLog {
	return &BatchLog{pool: pool}
}

// Create inserts the batch audit row at run start. The contract report is
// stored alongside so header drift can be compared across runs.
func (l *BatchLog) Create(ctx context.Context, b *Batch, contractReport any) error {
	fingerprints, err := json.Marshal(b.FileFingerprints)
	if err != nil {
		return eris.Wrap(err, "batchlog: marshal file fingerprints")
	}
	report, err := json.Marshal(contractReport)
	if err != nil {
		return eris.Wrap(err, "batchlog: marshal contract report")
	}

	_, err = l.pool.Exec(ctx,
		`INSERT INTO prop_data.batches
		   (batch_id, started_at, status, file_fingerprints, schema_version,
		    rules_version, contract_hash, header_fingerprint, contract_report)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.StartedAt, string(b.Status), fingerprints,
		b.SchemaVersion, b.RulesVersion, b.ContractHash, b.HeaderFingerprint, report,
	)
	if err != nil {
		return eris.Wrapf(err, "batchlog: create batch %s", b.ID)
	}
	return nil
}

// SetStatus transitions a batch to a new lifecycle state.
func (l *BatchLog) SetStatus(ctx context.Context, batchID string, status Status) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE prop_data.batches SET status = $1 WHERE batch_id = $2`,
		string(status), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "batchlog: set batch %s status %s", batchID, status)
	}
	return nil
}

// MarkFailed records a hard failure with its stage-specific reason and
// terminates the batch.
func (l *BatchLog) MarkFailed(ctx context.Context, batchID, reason string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE prop_data.batches
		 SET status = $1, failure_reason = $2, completed_at = now()
		 WHERE batch_id = $3`,
		string(StatusFailed), reason, batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "batchlog: mark batch %s failed", batchID)
	}
	return nil
}

// SetCounts records the staging counters after dedup and outlier marking.
func (l *BatchLog) SetCounts(ctx context.Context, batchID string, loaded, afterDedup, outliers int64) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE prop_data.batches
		 SET rows_loaded = $1, rows_after_dedup = $2, rows_outliers_marked = $3
		 WHERE batch_id = $4`,
		loaded, afterDedup, outliers, batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "batchlog: set counts for batch %s", batchID)
	}
	return nil
}

// RecordValidation persists the validation outcome: quantitative issues and
// semantic warnings, hard or soft.
func (l *BatchLog) RecordValidation(ctx context.Context, batchID string, res *staging.ValidationResult) error {
	issues, err := json.Marshal(res.Issues)
	if err != nil {
		return eris.Wrap(err, "batchlog: marshal validation issues")
	}
	warnings, err := json.Marshal(res.Warnings)
	if err != nil {
		return eris.Wrap(err, "batchlog: marshal semantic warnings")
	}

	_, err = l.pool.Exec(ctx,
		`UPDATE prop_data.batches
		 SET validation_passed = $1, validation_issues = $2, semantic_warnings = $3
		 WHERE batch_id = $4`,
		res.Passed(), issues, warnings, batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "batchlog: record validation for batch %s", batchID)
	}
	return nil
}

// Get returns one batch audit record by ID.
func (l *BatchLog) Get(ctx context.Context, batchID string) (*Batch, error) {
	row := l.pool.QueryRow(ctx, batchSelect+` WHERE batch_id = $1`, batchID)
	b, err := scanBatch(row)
	if err != nil {
		return nil, eris.Wrapf(err, "batchlog: get batch %s", batchID)
	}
	return b, nil
}

// Latest returns the most recently started batch in the given status, or nil
// if none exists.
func (l *BatchLog) Latest(ctx context.Context, status Status) (*Batch, error) {
	row := l.pool.QueryRow(ctx,
		batchSelect+` WHERE status = $1 ORDER BY started_at DESC LIMIT 1`,
		string(status),
	)
	b, err := scanBatch(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "batchlog: latest batch with status %s", status)
	}
	return b, nil
}

// ActiveBatch returns a batch currently holding the pipeline (staging,
// validating, or promoting), or nil. A second invocation must fail fast
// rather than interleave with an in-progress run.
func (l *BatchLog) ActiveBatch(ctx context.Context) (*Batch, error) {
	row := l.pool.QueryRow(ctx,
		batchSelect+` WHERE status = ANY($1) ORDER BY started_at DESC LIMIT 1`,
		statusStrings(activeStatuses),
	)
	b, err := scanBatch(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "batchlog: check active batch")
	}
	return b, nil
}

// List returns recent batches, most recent first.
func (l *BatchLog) List(ctx context.Context, limit int) ([]Batch, error) {
	rows, err := l.pool.Query(ctx,
		batchSelect+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "batchlog: list batches")
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "batchlog: scan batch")
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

const batchSelect = `
	SELECT batch_id, started_at, completed_at, status, file_fingerprints,
	       schema_version, rules_version, contract_hash, header_fingerprint,
	       rows_loaded, rows_after_dedup, rows_outliers_marked, rows_promoted,
	       validation_passed, validation_issues, semantic_warnings, failure_reason
	FROM prop_data.batches`

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	var status string
	var completedAt *time.Time
	var fingerprints, issues, warnings []byte
	var validationPassed *bool
	var failureReason *string

	err := row.Scan(
		&b.ID, &b.StartedAt, &completedAt, &status, &fingerprints,
		&b.SchemaVersion, &b.RulesVersion, &b.ContractHash, &b.HeaderFingerprint,
		&b.RowsLoaded, &b.RowsAfterDedup, &b.RowsOutliersMarked, &b.RowsPromoted,
		&validationPassed, &issues, &warnings, &failureReason,
	)
	if err != nil {
		return nil, err
	}

	b.Status = Status(status)
	b.CompletedAt = completedAt
	if validationPassed != nil {
		b.ValidationPassed = *validationPassed
	}
	if failureReason != nil {
		b.FailureReason = *failureReason
	}
	if fingerprints != nil {
		_ = json.Unmarshal(fingerprints, &b.FileFingerprints)
	}
	if issues != nil {
		_ = json.Unmarshal(issues, &b.ValidationIssues)
	}
	if warnings != nil {
		_ = json.Unmarshal(warnings, &b.SemanticWarnings)
	}
	return &b, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

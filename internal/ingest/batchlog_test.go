package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanmetrics/ingest-cli/internal/staging"
)

var batchColumns = []string{
	"batch_id", "started_at", "completed_at", "status", "file_fingerprints",
	"schema_version", "rules_version", "contract_hash", "header_fingerprint",
	"rows_loaded", "rows_after_dedup", "rows_outliers_marked", "rows_promoted",
	"validation_passed", "validation_issues", "semantic_warnings", "failure_reason",
}

func boolPtr(v bool) *bool { return &v }

func batchRow(id, status string) *pgxmock.Rows {
	return pgxmock.NewRows(batchColumns).AddRow(
		id, time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC), nil, status,
		[]byte(`{"weekly.csv":"abc123"}`),
		"2024.1", "r-deadbeef", "c-cafe", "h-f00d",
		int64(100), int64(98), int64(2), int64(95),
		boolPtr(true), []byte(`[]`), []byte(`[]`), nil,
	)
}

func TestBatchLog_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b := &Batch{
		ID:                "b1",
		StartedAt:         time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC),
		Status:            StatusStaging,
		FileFingerprints:  map[string]string{"weekly.csv": "abc123"},
		SchemaVersion:     "2024.1",
		RulesVersion:      "r-deadbeef",
		ContractHash:      "c-cafe",
		HeaderFingerprint: "h-f00d",
	}

	mock.ExpectExec("INSERT INTO prop_data.batches").
		WithArgs(b.ID, b.StartedAt, string(StatusStaging), pgxmock.AnyArg(),
			b.SchemaVersion, b.RulesVersion, b.ContractHash, b.HeaderFingerprint, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewBatchLog(mock).Create(context.Background(), b, nil)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchLog_SetStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE prop_data.batches SET status").
		WithArgs(string(StatusReady), "b1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = NewBatchLog(mock).SetStatus(context.Background(), "b1", StatusReady)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchLog_MarkFailed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE prop_data.batches").
		WithArgs(string(StatusFailed), "parse rate below threshold", "b1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = NewBatchLog(mock).MarkFailed(context.Background(), "b1", "parse rate below threshold")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchLog_RecordValidation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	res := &staging.ValidationResult{
		Issues: []staging.Issue{{Check: "min_rows", Severity: "soft", Message: "row count below minimum"}},
	}

	mock.ExpectExec("UPDATE prop_data.batches").
		WithArgs(true, pgxmock.AnyArg(), pgxmock.AnyArg(), "b1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = NewBatchLog(mock).RecordValidation(context.Background(), "b1", res)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchLog_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT (.+) FROM prop_data.batches WHERE batch_id").
		WithArgs("b1").
		WillReturnRows(batchRow("b1", "completed"))

	b, err := NewBatchLog(mock).Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, StatusCompleted, b.Status)
	assert.Equal(t, int64(95), b.RowsPromoted)
	assert.Equal(t, map[string]string{"weekly.csv": "abc123"}, b.FileFingerprints)
	assert.True(t, b.ValidationPassed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchLog_Latest_NoMatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT (.+) FROM prop_data.batches WHERE status").
		WithArgs(string(StatusReady)).
		WillReturnError(pgx.ErrNoRows)

	b, err := NewBatchLog(mock).Latest(context.Background(), StatusReady)
	assert.NoError(t, err)
	assert.Nil(t, b)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchLog_ActiveBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT (.+) FROM prop_data.batches WHERE status = ANY").
		WithArgs(statusStrings(activeStatuses)).
		WillReturnRows(batchRow("b2", "promoting"))

	b, err := NewBatchLog(mock).ActiveBatch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, StatusPromoting, b.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchLog_ActiveBatch_None(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT (.+) FROM prop_data.batches WHERE status = ANY").
		WithArgs(statusStrings(activeStatuses)).
		WillReturnError(pgx.ErrNoRows)

	b, err := NewBatchLog(mock).ActiveBatch(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, b)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchLog_List(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := batchRow("b3", "completed").AddRow(
		"b2", time.Date(2026, 8, 23, 6, 0, 0, 0, time.UTC), nil, "rolled_back",
		nil, "2024.1", "r-deadbeef", "c-cafe", "h-f00d",
		int64(50), int64(50), int64(0), int64(0),
		boolPtr(true), nil, nil, nil,
	)
	mock.ExpectQuery("SELECT (.+) FROM prop_data.batches ORDER BY started_at DESC").
		WithArgs(10).
		WillReturnRows(rows)

	batches, err := NewBatchLog(mock).List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "b3", batches[0].ID)
	assert.Equal(t, StatusRolledBack, batches[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

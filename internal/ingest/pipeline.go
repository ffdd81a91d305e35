package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/urbanmetrics/ingest-cli/internal/config"
	"github.com/urbanmetrics/ingest-cli/internal/contract"
	"github.com/urbanmetrics/ingest-cli/internal/db"
	"github.com/urbanmetrics/ingest-cli/internal/rules"
	"github.com/urbanmetrics/ingest-cli/internal/staging"
)

// Engine drives one pipeline run through its stages. Contract, rules, and
// the DB handle are injected at construction and scoped to the run; there is
// no process-wide mutable state.
type Engine struct {
	pool     db.Pool
	cfg      config.IngestConfig
	contract *contract.Contract
	rules    *rules.Registry
	batchLog *BatchLog
}

// NewEngine creates a pipeline engine for one run.
func NewEngine(pool db.Pool, cfg config.IngestConfig, c *contract.Contract, r *rules.Registry) *Engine {
	return &Engine{
		pool:     pool,
		cfg:      cfg,
		contract: c,
		rules:    r,
		batchLog: NewBatchLog(pool),
	}
}

// BatchLog exposes the audit log, for status commands.
func (e *Engine) BatchLog() *BatchLog { return e.batchLog }

// RunOpts selects the run mode.
type RunOpts struct {
	Files            []string
	Plan             bool // stage + validate, report the diff, no production writes
	StagingOnly      bool // stop after staging, leave the batch ready
	AllowFutureDates bool
}

// RunResult is the outcome of a pipeline invocation.
type RunResult struct {
	Batch *Batch
	Plan  *Plan

	// MaintenanceErr reports a post-promotion task failure. The promotion
	// itself stands and the batch stays completed; an operator re-runs the
	// specific task.
	MaintenanceErr error
}

// Run executes the full pipeline: compatibility check, batch creation,
// staged loading, validation, dedup/outlier marking, then plan-mode exit or
// promotion and post-promotion maintenance.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	log := zap.L().With(zap.String("component", "ingest.engine"))

	if len(opts.Files) == 0 {
		return nil, eris.New("ingest: no input files given")
	}

	lock, err := AcquireRunLock(ctx, e.pool)
	if err != nil {
		return nil, err
	}
	defer e.releaseLock(ctx, lock, log)

	if err := e.failFastOnActiveBatch(ctx); err != nil {
		return nil, err
	}

	// Read sources and run the compatibility gate before any row is parsed.
	sources := make([]*staging.Source, 0, len(opts.Files))
	reports := make([]*contract.Report, 0, len(opts.Files))
	fingerprints := make(map[string]string, len(opts.Files))
	var gateErr error
	for _, path := range opts.Files {
		src, err := staging.ReadSource(path)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: read input")
		}
		sources = append(sources, src)
		fingerprints[src.Path] = src.Fingerprint

		report := contract.Check(e.contract, src.Header)
		reports = append(reports, report)
		if err := report.Err(); err != nil && gateErr == nil {
			gateErr = eris.Wrapf(err, "ingest: compatibility check for %s", path)
		}
	}

	batch := &Batch{
		ID:                uuid.New().String(),
		StartedAt:         time.Now().UTC(),
		Status:            StatusStaging,
		FileFingerprints:  fingerprints,
		SchemaVersion:     e.contract.Version,
		RulesVersion:      e.rules.Version(),
		ContractHash:      e.contract.Hash(),
		HeaderFingerprint: reports[0].HeaderFingerprint,
	}
	if err := e.batchLog.Create(ctx, batch, reports); err != nil {
		return nil, err
	}
	log = log.With(zap.String("batch", batch.ID))

	if gateErr != nil {
		return nil, e.fail(ctx, batch, gateErr)
	}

	// Staging.
	loader := &staging.Loader{
		Contract:         e.contract,
		Rules:            e.rules,
		Thresholds:       e.cfg.Thresholds,
		Workers:          e.cfg.Workers,
		AllowFutureDates: opts.AllowFutureDates,
	}

	var rows []*staging.Row
	for i, src := range sources {
		loaded, _, err := loader.Load(ctx, reports[i], src.Records)
		if err != nil {
			return nil, e.fail(ctx, batch, eris.Wrapf(err, "ingest: staging load for %s", src.Path))
		}
		rows = append(rows, loaded...)
	}
	batch.RowsLoaded = int64(len(rows))

	// Validation barrier.
	batch.Status = StatusValidating
	if err := e.batchLog.SetStatus(ctx, batch.ID, StatusValidating); err != nil {
		return nil, err
	}
	res := staging.Validate(rows, e.cfg.Thresholds)
	batch.ValidationPassed = res.Passed()
	batch.ValidationIssues = res.Issues
	batch.SemanticWarnings = res.Warnings
	if err := e.batchLog.RecordValidation(ctx, batch.ID, res); err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, e.fail(ctx, batch, eris.Wrap(err, "ingest: validation"))
	}

	// Dedup and outlier marking.
	kept, removed := staging.Dedup(rows)
	outliers := staging.MarkOutliers(kept, e.cfg.Thresholds)
	batch.RowsAfterDedup = int64(len(kept))
	batch.RowsOutliersMarked = int64(outliers)
	if err := e.batchLog.SetCounts(ctx, batch.ID, batch.RowsLoaded, batch.RowsAfterDedup, batch.RowsOutliersMarked); err != nil {
		return nil, err
	}
	log.Info("batch staged",
		zap.Int64("rows_loaded", batch.RowsLoaded),
		zap.Int("duplicates_removed", removed),
		zap.Int64("rows_after_dedup", batch.RowsAfterDedup),
		zap.Int64("outliers_marked", batch.RowsOutliersMarked),
	)

	if _, err := PersistStagingRows(ctx, e.pool, batch.ID, kept, e.cfg.BatchSize); err != nil {
		return nil, e.fail(ctx, batch, err)
	}

	batch.Status = StatusReady
	if err := e.batchLog.SetStatus(ctx, batch.ID, StatusReady); err != nil {
		return nil, err
	}

	result := &RunResult{Batch: batch}

	if opts.StagingOnly {
		log.Info("staging-only run complete, batch left ready")
		return result, nil
	}

	if opts.Plan {
		plan, err := PlanPromotion(ctx, e.pool, batch.ID)
		if err != nil {
			return nil, err
		}
		result.Plan = plan
		log.Info("plan complete, production untouched",
			zap.Int64("new_rows", plan.NewRows),
			zap.Int64("hash_collisions", plan.HashCollisions),
		)
		return result, nil
	}

	if err := e.promote(ctx, batch, kept, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Publish promotes an existing ready batch. An empty batchID means the most
// recently staged ready batch.
func (e *Engine) Publish(ctx context.Context, batchID string) (*RunResult, error) {
	lock, err := AcquireRunLock(ctx, e.pool)
	if err != nil {
		return nil, err
	}
	defer e.releaseLock(ctx, lock, zap.L())

	if err := e.failFastOnActiveBatch(ctx); err != nil {
		return nil, err
	}

	batch, err := e.resolveBatch(ctx, batchID, StatusReady)
	if err != nil {
		return nil, err
	}

	projects, err := LoadStagingProjects(ctx, e.pool, batch.ID)
	if err != nil {
		return nil, err
	}

	result := &RunResult{Batch: batch}
	if err := e.promote(ctx, batch, projects, result); err != nil {
		return nil, err
	}
	return result, nil
}

// RollbackLatest reverts a completed batch. An empty batchID means the most
// recently completed batch.
func (e *Engine) RollbackLatest(ctx context.Context, batchID string) (*RunResult, error) {
	lock, err := AcquireRunLock(ctx, e.pool)
	if err != nil {
		return nil, err
	}
	defer e.releaseLock(ctx, lock, zap.L())

	batch, err := e.resolveBatch(ctx, batchID, StatusCompleted)
	if err != nil {
		return nil, err
	}

	months, err := BatchMonths(ctx, e.pool, batch.ID)
	if err != nil {
		return nil, err
	}

	removed, err := Rollback(ctx, e.pool, batch.ID)
	if err != nil {
		return nil, err
	}
	batch.Status = StatusRolledBack

	result := &RunResult{Batch: batch}
	if err := RecomputeMonthlyStatsForMonths(ctx, e.pool, months); err != nil {
		result.MaintenanceErr = err
	}

	zap.L().Info("batch rolled back",
		zap.String("component", "ingest.engine"),
		zap.String("batch", batch.ID),
		zap.Int64("rows_removed", removed),
	)
	return result, nil
}

// promote runs the atomic promotion and post-promotion maintenance.
// projectRows feed the lookup refresh; a maintenance failure is reported but
// never fails the batch.
func (e *Engine) promote(ctx context.Context, batch *Batch, projectRows []*staging.Row, result *RunResult) error {
	batch.Status = StatusPromoting
	if err := e.batchLog.SetStatus(ctx, batch.ID, StatusPromoting); err != nil {
		return err
	}

	promoted, err := Promote(ctx, e.pool, batch.ID)
	if err != nil {
		return e.fail(ctx, batch, eris.Wrap(err, "ingest: promotion"))
	}
	batch.RowsPromoted += promoted
	batch.Status = StatusCompleted

	if err := RecomputeMonthlyStats(ctx, e.pool, batch.ID); err != nil {
		result.MaintenanceErr = err
	} else if _, err := RefreshProjects(ctx, e.pool, projectRows, e.cfg.Maintenance.LookupBatchSize); err != nil {
		result.MaintenanceErr = err
	}
	if result.MaintenanceErr != nil {
		zap.L().Error("post-promotion maintenance failed, batch remains completed",
			zap.String("component", "ingest.engine"),
			zap.String("batch", batch.ID),
			zap.Error(result.MaintenanceErr),
		)
	}
	return nil
}

// fail transitions the batch to failed with its stage-specific reason and
// returns the original error. Staging data is retained for forensics.
func (e *Engine) fail(ctx context.Context, batch *Batch, cause error) error {
	batch.Status = StatusFailed
	batch.FailureReason = cause.Error()
	if err := e.batchLog.MarkFailed(ctx, batch.ID, cause.Error()); err != nil {
		zap.L().Error("failed to record batch failure",
			zap.String("batch", batch.ID), zap.Error(err))
	}
	return cause
}

func (e *Engine) failFastOnActiveBatch(ctx context.Context) error {
	active, err := e.batchLog.ActiveBatch(ctx)
	if err != nil {
		return err
	}
	if active != nil {
		return eris.Errorf("ingest: batch %s is already %s; only one run may be in flight", active.ID, active.Status)
	}
	return nil
}

func (e *Engine) resolveBatch(ctx context.Context, batchID string, want Status) (*Batch, error) {
	if batchID == "" {
		batch, err := e.batchLog.Latest(ctx, want)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, eris.Errorf("ingest: no batch in status %s", want)
		}
		return batch, nil
	}

	batch, err := e.batchLog.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != want {
		return nil, eris.Errorf("ingest: batch %s is %s, want %s", batchID, batch.Status, want)
	}
	return batch, nil
}

func (e *Engine) releaseLock(ctx context.Context, lock *RunLock, log *zap.Logger) {
	if err := lock.Release(ctx); err != nil {
		log.Warn("failed to release run lock", zap.Error(err))
	}
}

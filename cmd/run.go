package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/urbanmetrics/ingest-cli/internal/fetch"
	"github.com/urbanmetrics/ingest-cli/internal/ingest"
)

var (
	runPlan             bool
	runStagingOnly      bool
	runAllowFutureDates bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>...",
	Short: "Run the weekly ingestion pipeline",
	Long:  "Stages the given CSV/XLSX files into a new batch, validates them, and promotes the batch into the production table. Use --plan for a dry run or --staging-only to defer promotion to a later publish.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		files, err := resolveInputs(ctx, args)
		if err != nil {
			return err
		}

		pool, err := ingestPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		engine, err := buildEngine(ctx, pool)
		if err != nil {
			return err
		}

		res, err := engine.Run(ctx, ingest.RunOpts{
			Files:            files,
			Plan:             runPlan,
			StagingOnly:      runStagingOnly,
			AllowFutureDates: runAllowFutureDates,
		})
		if err != nil {
			return err
		}

		printRunResult(res)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runPlan, "plan", false, "stage and validate, report the promotion diff, write nothing to production")
	runCmd.Flags().BoolVar(&runStagingOnly, "staging-only", false, "stop after staging; promote later with 'publish'")
	runCmd.Flags().BoolVar(&runAllowFutureDates, "allow-future-dates", false, "accept rows with sale dates in the future")
	rootCmd.AddCommand(runCmd)
}

// resolveInputs downloads any http/https/ftp arguments into a temp directory
// and returns local paths for everything.
func resolveInputs(ctx context.Context, args []string) ([]string, error) {
	files := make([]string, 0, len(args))
	var tmpDir string

	for _, arg := range args {
		if !fetch.IsRemote(arg) {
			files = append(files, arg)
			continue
		}

		if tmpDir == "" {
			var err error
			tmpDir, err = os.MkdirTemp("", "ingest-drop-*")
			if err != nil {
				return nil, err
			}
		}

		d, err := fetch.For(arg)
		if err != nil {
			return nil, err
		}

		local := filepath.Join(tmpDir, filepath.Base(arg))
		n, err := d.DownloadToFile(ctx, arg, local)
		if err != nil {
			return nil, err
		}
		zap.L().Info("downloaded provider drop",
			zap.String("url", arg), zap.Int64("bytes", n))
		files = append(files, local)
	}
	return files, nil
}

func printRunResult(res *ingest.RunResult) {
	b := res.Batch
	fmt.Printf("Batch %s: %s\n", b.ID, b.Status)
	fmt.Printf("  rows loaded:      %d\n", b.RowsLoaded)
	fmt.Printf("  after dedup:      %d\n", b.RowsAfterDedup)
	fmt.Printf("  outliers marked:  %d\n", b.RowsOutliersMarked)
	if b.Status == ingest.StatusCompleted {
		fmt.Printf("  rows promoted:    %d\n", b.RowsPromoted)
	}

	for _, issue := range b.ValidationIssues {
		fmt.Printf("  [%s] %s\n", issue.Severity, issue.Message)
	}
	for _, warn := range b.SemanticWarnings {
		fmt.Printf("  [warn] %s\n", warn.Message)
	}

	if res.Plan != nil {
		printPlan(res.Plan)
	}

	if res.MaintenanceErr != nil {
		fmt.Fprintf(os.Stderr, "warning: post-promotion maintenance failed: %v\n", res.MaintenanceErr)
		zap.L().Warn("maintenance incomplete", zap.Error(res.MaintenanceErr))
	}
}

func printPlan(p *ingest.Plan) {
	fmt.Println("Promotion plan (nothing written):")
	fmt.Printf("  new rows:         %d\n", p.NewRows)
	fmt.Printf("  hash collisions:  %d\n", p.HashCollisions)
	fmt.Printf("  outlier rows:     %d\n", p.OutlierRows)
	if p.DateFrom != nil && p.DateTo != nil {
		fmt.Printf("  date window:      %s to %s\n",
			p.DateFrom.Format(time.DateOnly), p.DateTo.Format(time.DateOnly))
	}
	if len(p.NewDistricts) > 0 {
		fmt.Printf("  new districts:    %s\n", strings.Join(p.NewDistricts, ", "))
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rollbackBatchID string

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Revert a completed batch",
	Long:  "Deletes the production rows a completed batch inserted and rebuilds affected monthly aggregates. Rows that earlier batches own are untouched. Defaults to the most recently completed batch.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := ingestPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		engine, err := buildEngine(ctx, pool)
		if err != nil {
			return err
		}

		res, err := engine.RollbackLatest(ctx, rollbackBatchID)
		if err != nil {
			return err
		}

		fmt.Printf("Batch %s rolled back\n", res.Batch.ID)
		if res.MaintenanceErr != nil {
			fmt.Printf("warning: monthly stats rebuild failed: %v\n", res.MaintenanceErr)
		}
		return nil
	},
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackBatchID, "batch", "", "batch ID to roll back (default: latest completed batch)")
	rootCmd.AddCommand(rollbackCmd)
}

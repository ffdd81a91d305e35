package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var publishBatchID string

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Promote a staged batch into production",
	Long:  "Promotes a batch previously staged with 'run --staging-only'. Defaults to the most recently staged ready batch.",
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

		res, err := engine.Publish(ctx, publishBatchID)
		if err != nil {
			return err
		}

		fmt.Printf("Batch %s promoted: %d rows\n", res.Batch.ID, res.Batch.RowsPromoted)
		if res.MaintenanceErr != nil {
			fmt.Printf("warning: post-promotion maintenance failed: %v\n", res.MaintenanceErr)
		}
		return nil
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishBatchID, "batch", "", "batch ID to promote (default: latest ready batch)")
	rootCmd.AddCommand(publishCmd)
}

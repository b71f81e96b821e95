package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one round of garbage collection",
	Long:  `Sweep orphaned chunks (zero references or no metadata row), reclaim their bytes and checkpoint the WAL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := NAS.Engine.GarbageCollect(cmd.Context())
		if err != nil {
			return fmt.Errorf("gc failed: %w", err)
		}
		fmt.Printf("chunks removed:    %d\n", report.ChunksRemoved)
		fmt.Printf("bytes reclaimed:   %d\n", report.BytesReclaimed)
		fmt.Printf("skipped in-flight: %d\n", report.SkippedInFlight)
		fmt.Printf("took:              %s\n", report.Duration)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify integrity of all stored chunks",
	Long:  `Read every referenced chunk, decompress it and compare the recomputed hash against its content address. Reports only, never deletes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := NAS.Engine.VerifyAllChunks(cmd.Context())
		if err != nil {
			return fmt.Errorf("verify failed: %w", err)
		}

		fmt.Printf("total:     %d\n", report.Total)
		fmt.Printf("valid:     %d\n", report.Valid)
		fmt.Printf("corrupted: %d\n", len(report.Corrupted))
		fmt.Printf("missing:   %d\n", len(report.Missing))
		for _, h := range report.Corrupted {
			fmt.Printf("  corrupted: %s\n", h)
		}
		for _, h := range report.Missing {
			fmt.Printf("  missing:   %s\n", h)
		}

		if len(report.Corrupted) > 0 || len(report.Missing) > 0 {
			return fmt.Errorf("verification found %d bad chunks", len(report.Corrupted)+len(report.Missing))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

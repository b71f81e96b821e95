package commands

import (
	"fmt"
	"time"

	"silentnas/pkg/types"

	"github.com/spf13/cobra"
)

var versionsCmd = &cobra.Command{
	Use:   "versions [file-id]",
	Short: "List the version chain of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID := types.FileID(args[0])
		versions, err := NAS.Engine.ListFileVersions(cmd.Context(), fileID)
		if err != nil {
			return err
		}

		for _, v := range versions {
			parent := v.ParentID.String()
			if parent == "" {
				parent = "(root)"
			}
			fmt.Printf("%s  %s  %8d bytes  %3d chunks  parent=%s\n",
				v.VersionID, v.CreatedAt.Format(time.RFC3339), v.Size, v.ChunkCount, parent)
		}
		fmt.Printf("%d version(s)\n", len(versions))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionsCmd)
}

package commands

import (
	"fmt"
	"os"
	"time"

	"silentnas/pkg/types"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put [file-id] [local-path]",
	Short: "Store a local file as a new version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID := types.FileID(args[0])
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		info, delta, err := NAS.Engine.SaveVersion(cmd.Context(), fileID, data)
		if err != nil {
			return fmt.Errorf("put failed: %w", err)
		}

		// 新版本要让同步层知道，否则 push 不会带上它
		NAS.SyncState.HandleLocalChange(fileID, types.FileMetadata{
			ID:         fileID,
			Name:       args[1],
			Path:       fileID.String(),
			Size:       info.Size,
			Hash:       info.Hash,
			ModifiedAt: info.CreatedAt,
		}, false)

		fmt.Printf("version:  %s\n", info.VersionID)
		fmt.Printf("chunks:   %d total, %d new, %d deduplicated\n",
			delta.TotalChunks, delta.NewChunks, delta.DedupedChunks)
		fmt.Printf("stored:   %d of %d bytes (saved %d)\n",
			delta.StoredBytes, delta.RawBytes, delta.BytesSaved)
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat [file-id]",
	Short: "Print the latest content of a file to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _, err := NAS.Engine.ReadLatest(cmd.Context(), types.FileID(args[0]))
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List files",
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := NAS.Engine.ListFiles(cmd.Context())
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Printf("%s  versions=%d  updated=%s\n",
				f.FileID, f.VersionCount, f.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm [file-id]",
	Short: "Delete a file (chunks are reclaimed by gc)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID := types.FileID(args[0])
		if err := NAS.Engine.DeleteFile(cmd.Context(), fileID); err != nil {
			return err
		}
		// 墓碑：同步层据此把删除传播出去
		NAS.SyncState.HandleLocalChange(fileID, types.FileMetadata{ID: fileID, Path: fileID.String()}, true)
		fmt.Printf("deleted %s\n", fileID)
		return nil
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv [old-file-id] [new-file-id]",
	Short: "Rename a file (metadata only, chunks untouched)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		oldID, newID := types.FileID(args[0]), types.FileID(args[1])
		if err := NAS.Engine.MoveFile(cmd.Context(), oldID, newID); err != nil {
			return err
		}
		fmt.Printf("moved %s -> %s\n", oldID, newID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(putCmd, catCmd, lsCmd, rmCmd, mvCmd)
}

package commands

import (
	"fmt"
	"time"

	"silentnas/pkg/types"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Node-to-node synchronization",
}

var syncPushCmd = &cobra.Command{
	Use:   "push [target-addr] [file-id...]",
	Short: "Push files to a peer node",
	Long:  `Send local content and sync state to a peer. With no file ids, pushes all local files (bounded by sync.max_files_per_sync).`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		var fileIDs []types.FileID
		for _, a := range args[1:] {
			fileIDs = append(fileIDs, types.FileID(a))
		}

		report, err := NAS.Coordinator.Push(cmd.Context(), target, fileIDs)
		if err != nil {
			return fmt.Errorf("push failed: %w", err)
		}
		printSyncReport("pushed", report.Files, report.Succeeded, report.Failed, report.Conflicts, report.Duration)
		for _, f := range report.FailedFiles {
			fmt.Printf("  failed: %s (queued for compensation)\n", f)
		}
		return nil
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull [source-addr] [file-id...]",
	Short: "Pull files from a peer node",
	Long:  `Fetch sync state from a peer, merge it, and download content for every file where the remote state wins.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := args[0]
		var fileIDs []types.FileID
		for _, a := range args[1:] {
			fileIDs = append(fileIDs, types.FileID(a))
		}

		report, err := NAS.Coordinator.Pull(cmd.Context(), source, fileIDs)
		if err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}
		printSyncReport("pulled", report.Files, report.Succeeded, report.Failed, report.Conflicts, report.Duration)
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state, conflicts and the failure queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats := NAS.Coordinator.Stats()
		fmt.Printf("pushed=%d pulled=%d failed=%d retried=%d conflicts=%d queue=%d\n",
			stats.Pushed, stats.Pulled, stats.Failed, stats.Retried, stats.Conflicts, stats.FailQueueDepth)

		states := NAS.SyncState.States()
		fmt.Printf("\ntracked files: %d\n", len(states))
		for _, fs := range states {
			flag := " "
			if fs.Deleted.Value {
				flag = "D"
			}
			fmt.Printf("  %s %s  owner=%s  ts=%s\n",
				flag, fs.FileID, fs.Metadata.NodeID,
				time.Unix(0, fs.Metadata.Timestamp).Format(time.RFC3339))
		}

		conflicts := NAS.SyncState.Conflicts()
		if len(conflicts) > 0 {
			fmt.Printf("\nconflicts: %d\n", len(conflicts))
			for _, c := range conflicts {
				fmt.Printf("  %s  remote=%s winner=%s at=%s\n",
					c.FileID, c.RemoteNode, c.WinnerNode, c.DetectedAt.Format(time.RFC3339))
			}
		}

		queue := NAS.Coordinator.FailQueue()
		if len(queue) > 0 {
			fmt.Printf("\nfailure queue: %d\n", len(queue))
			for _, t := range queue {
				fmt.Printf("  %s %s -> %s  attempts=%d next=%s  err=%s\n",
					t.Op, t.FileID, t.TargetAddr, t.Attempts,
					t.NextRetry.Format(time.RFC3339), t.LastError)
			}
		}
		return nil
	},
}

func printSyncReport(verb string, files, ok, failed, conflicts int, took time.Duration) {
	fmt.Printf("%s %d/%d file(s), %d failed, %d conflict(s), took %s\n",
		verb, ok, files, failed, conflicts, took)
}

func init() {
	syncCmd.AddCommand(syncPushCmd, syncPullCmd, syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}

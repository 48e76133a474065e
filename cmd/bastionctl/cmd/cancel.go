package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <name>",
	Short: "Request cancellation of a job",
	Long: `Ask the orchestrator to stop a job.

Cancellation is asynchronous: this writes a cancellation request that the
orchestrator applies on its next tick. Cancelling a job that no longer exists
is a no-op, so the command is safe to retry.

Example:
  bastionctl cancel my-job --wait`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		wait, _ := cmd.Flags().GetBool("wait")
		pollInterval, _ := cmd.Flags().GetDuration("poll-interval")

		dir, err := newDirectory()
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		if err := dir.CancelJob(cmd.Context(), name); err != nil {
			cmd.Printf("Cancel failed: %v\n", err)
			return
		}
		cmd.Printf("✓ Cancellation requested for %s\n", name)

		if !wait {
			return
		}
		cmd.Println("Waiting for the job to be reclaimed...")
		if err := dir.WaitForGone(cmd.Context(), name, pollInterval); err != nil {
			cmd.Printf("Wait failed: %v\n", err)
			return
		}
		cmd.Printf("✓ Job %s is gone\n", name)
	},
}

func init() {
	flags := cancelCmd.Flags()
	flags.Bool("wait", false, "Block until the job disappears from the queue")
	flags.Duration("poll-interval", 10*time.Second, "Polling interval used with --wait")

	rootCmd.AddCommand(cancelCmd)
}

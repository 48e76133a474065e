package cmd

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"bastion/internal/bastion"
	"bastion/internal/job"
)

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show one job's spec and state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		dir, err := newDirectory()
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		spec, err := dir.GetJob(cmd.Context(), name)
		if err != nil {
			if errors.Is(err, bastion.ErrJobNotFound) {
				cmd.Printf("Job %q not found\n", name)
			} else {
				cmd.Printf("Get failed: %v\n", err)
			}
			return
		}
		state, err := dir.GetJobState(cmd.Context(), name)
		if err != nil {
			cmd.Printf("Get failed: %v\n", err)
			return
		}

		cmd.Printf("Name:       %s\n", spec.Name)
		cmd.Printf("Job ID:     %s\n", spec.Metadata.JobID)
		cmd.Printf("User:       %s\n", spec.Metadata.UserID)
		cmd.Printf("Project:    %s\n", spec.Metadata.ProjectID)
		cmd.Printf("Priority:   %d\n", spec.Metadata.Priority)
		cmd.Printf("Created:    %s\n", spec.Metadata.CreationTime.UTC())
		cmd.Printf("Command:    %s\n", spec.Command)
		if spec.CleanupCommand != "" {
			cmd.Printf("Cleanup:    %s\n", spec.CleanupCommand)
		}
		for typ, count := range spec.Metadata.Resources {
			cmd.Printf("Resource:   %s=%d\n", typ, count)
		}
		cmd.Printf("Status:     %s\n", state.Status)
		cmd.Printf("Tier:       %s\n", tierString(state))
	},
}

func tierString(state job.State) string {
	if state.Metadata.Tier == nil {
		return "-"
	}
	return strconv.Itoa(*state.Metadata.Tier)
}

func init() {
	rootCmd.AddCommand(getCmd)
}

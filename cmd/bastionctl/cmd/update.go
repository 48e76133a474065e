package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"bastion/internal/bastion"
)

var updateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Update a queued job's spec",
	Long: `Replace the spec of an existing job.

The job keeps its identity (job ID, creation time) and its place in the
queue, but its version counter is bumped, so a running job is restarted with
the new command on the orchestrator's next tick.

Example:
  bastionctl update my-job --command "python train.py --resume"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		flags := cmd.Flags()

		dir, err := newDirectory()
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		spec, err := dir.GetJob(cmd.Context(), name)
		if err != nil {
			if errors.Is(err, bastion.ErrJobNotFound) {
				cmd.Printf("Update failed: job %q not found\n", name)
			} else {
				cmd.Printf("Update failed: %v\n", err)
			}
			return
		}

		if flags.Changed("command") {
			spec.Command, _ = flags.GetString("command")
		}
		if flags.Changed("cleanup-command") {
			spec.CleanupCommand, _ = flags.GetString("cleanup-command")
		}
		if flags.Changed("priority") {
			spec.Metadata.Priority, _ = flags.GetInt("priority")
		}
		if flags.Changed("resources") {
			resourceArgs, _ := flags.GetStringSlice("resources")
			resources, err := parseResources(resourceArgs)
			if err != nil {
				cmd.Printf("Error: %v\n", err)
				return
			}
			spec.Metadata.Resources = resources
		}
		if flags.Changed("env") {
			envArgs, _ := flags.GetStringSlice("env")
			env, err := parsePairs(envArgs)
			if err != nil {
				cmd.Printf("Error: %v\n", err)
				return
			}
			spec.EnvVars = env
		}

		if err := dir.UpdateJob(cmd.Context(), spec); err != nil {
			cmd.Printf("Update failed: %v\n", err)
			return
		}
		cmd.Printf("✓ Job updated!\nName: %s\nSpec version: %d\n", spec.Name, spec.Metadata.Version)
	},
}

func init() {
	flags := updateCmd.Flags()
	flags.StringP("command", "c", "", "New command to execute")
	flags.String("cleanup-command", "", "New cleanup command")
	flags.Int("priority", 0, "New scheduling priority, lower runs first")
	flags.StringSlice("resources", nil, "New resources as type=count pairs")
	flags.StringSlice("env", nil, "New environment variables as KEY=VALUE pairs")

	rootCmd.AddCommand(updateCmd)
}

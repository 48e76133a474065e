package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"bastion/internal/bastion"
	"bastion/internal/job"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job to the queue",
	Long: `Write a new job spec into the submission queue.

The orchestrator picks the job up on its next tick, schedules it against the
project's quota, and runs the command as a supervised process.

Example:
  bastionctl submit --name my-job --user alice --project team-a \
    --command "python train.py" --resources v4=8 --priority 2 \
    --env WANDB_MODE=offline --cleanup-command "rm -rf /tmp/my-job"`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		name, _ := flags.GetString("name")
		command, _ := flags.GetString("command")
		cleanup, _ := flags.GetString("cleanup-command")
		user, _ := flags.GetString("user")
		project, _ := flags.GetString("project")
		priority, _ := flags.GetInt("priority")
		resourceArgs, _ := flags.GetStringSlice("resources")
		envArgs, _ := flags.GetStringSlice("env")

		if name == "" {
			cmd.Println("Error: --name is required")
			return
		}
		if command == "" {
			cmd.Println("Error: --command is required")
			return
		}
		if user == "" {
			cmd.Println("Error: --user is required")
			return
		}
		if project == "" {
			cmd.Println("Error: --project is required")
			return
		}

		resources, err := parseResources(resourceArgs)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		env, err := parsePairs(envArgs)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		spec := job.NewSpec(name, command, job.Metadata{
			UserID:    user,
			ProjectID: project,
			Priority:  priority,
			Resources: resources,
		})
		spec.CleanupCommand = cleanup
		spec.EnvVars = env

		dir, err := newDirectory()
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		if err := dir.SubmitJob(cmd.Context(), spec); err != nil {
			if errors.Is(err, bastion.ErrJobExists) {
				cmd.Printf("Submit failed: job %q already exists\n", name)
			} else {
				cmd.Printf("Submit failed: %v\n", err)
			}
			return
		}
		cmd.Printf("✓ Job submitted!\nName: %s\nJob ID: %s\n", spec.Name, spec.Metadata.JobID)
	},
}

// parseResources turns ["v4=8", "v5=2"] into a resource map.
func parseResources(args []string) (job.ResourceMap, error) {
	if len(args) == 0 {
		return nil, nil
	}
	resources := make(job.ResourceMap, len(args))
	for _, arg := range args {
		typ, countStr, ok := strings.Cut(arg, "=")
		if !ok || typ == "" {
			return nil, fmt.Errorf("invalid resource %q, expected type=count", arg)
		}
		count, err := strconv.Atoi(countStr)
		if err != nil {
			return nil, fmt.Errorf("invalid resource count in %q: %w", arg, err)
		}
		resources[typ] = count
	}
	return resources, nil
}

// parsePairs turns ["K=V"] into an env map.
func parsePairs(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env var %q, expected KEY=VALUE", arg)
		}
		env[k] = v
	}
	return env, nil
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("name", "n", "", "Name of the job (required)")
	flags.StringP("command", "c", "", "Command to execute (required)")
	flags.String("cleanup-command", "", "Command run after the job stops (optional)")
	flags.StringP("user", "u", "", "Submitting user ID (required)")
	flags.StringP("project", "p", "", "Project to charge resources against (required)")
	flags.Int("priority", 5, "Scheduling priority, lower runs first")
	flags.StringSlice("resources", nil, "Resources as type=count pairs")
	flags.StringSlice("env", nil, "Environment variables as KEY=VALUE pairs")

	rootCmd.AddCommand(submitCmd)
}

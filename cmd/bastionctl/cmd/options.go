package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bastion/internal/bastion"
	"bastion/internal/store"
)

var optionsCmd = &cobra.Command{
	Use:   "options",
	Short: "Tune the orchestrator's runtime options",
	Long: `Update the runtime options document the orchestrator re-reads every tick.

Only the flags you pass are changed; other options keep their stored values.

Example:
  bastionctl options --dry-run=true --verbosity=1`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()

		schedulerOpts := map[string]any{}
		if flags.Changed("dry-run") {
			dryRun, _ := flags.GetBool("dry-run")
			schedulerOpts["dry_run"] = dryRun
		}
		if flags.Changed("verbosity") {
			verbosity, _ := flags.GetInt("verbosity")
			schedulerOpts["verbosity"] = verbosity
		}
		if len(schedulerOpts) == 0 {
			cmd.Println("Nothing to change; pass --dry-run or --verbosity")
			return
		}

		root := viper.GetString("root")
		if root == "" {
			cmd.Println("Error: store root not set; use --root or BASTION_ROOT")
			return
		}
		err := bastion.SetRuntimeOptions(cmd.Context(), store.NewFS(), root,
			map[string]any{"scheduler": schedulerOpts})
		if err != nil {
			cmd.Printf("Options update failed: %v\n", err)
			return
		}
		cmd.Println("✓ Runtime options updated")
	},
}

func init() {
	flags := optionsCmd.Flags()
	flags.Bool("dry-run", false, "Compute scheduling decisions without acting on them")
	flags.Int("verbosity", 0, "Scheduler logging verbosity")

	rootCmd.AddCommand(optionsCmd)
}

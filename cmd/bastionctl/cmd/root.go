package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bastion/internal/bastion"
	"bastion/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bastionctl",
	Short: "Bastionctl is a command line tool for submitting and controlling bastion jobs",
	Long: `bastionctl is the command-line interface for the bastion job orchestrator.

The orchestrator and its clients share a store directory: submitting a job
writes a spec file into the queue, and the orchestrator picks it up on its
next reconciliation tick. No server connection is needed, only access to the
shared directory.

Common workflows:

  Submit a job:
    bastionctl submit --name my-job --user alice --project team-a \
      --command "python train.py" --resources v4=8

  Update a running job's command (restarts the runner):
    bastionctl update my-job --command "python train.py --resume"

  Cancel a job:
    bastionctl cancel my-job --wait

  Inspect the queue:
    bastionctl list
    bastionctl get my-job

Configuration:
  Set the store root via a flag, an environment variable, or a config file:
    BASTION_ROOT    store root directory (or --root)`,
}

func Execute() error {
	return rootCmd.Execute()
}

// newDirectory builds the protocol handle every subcommand goes through.
func newDirectory() (*bastion.Directory, error) {
	root := viper.GetString("root")
	if root == "" {
		return nil, fmt.Errorf("store root not set; use --root or BASTION_ROOT")
	}
	return bastion.NewDirectory(store.NewFS(), root), nil
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".bastionctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".bastionctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "BASTION_VARNAME"
	viper.SetEnvPrefix("BASTION")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bastionctl.yaml)")

	rootCmd.PersistentFlags().String("root", "", "Store root directory shared with the orchestrator")
	viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
}

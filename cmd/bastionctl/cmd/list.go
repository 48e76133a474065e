package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued jobs with their states",
	Run: func(cmd *cobra.Command, args []string) {
		dir, err := newDirectory()
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		jobs, err := dir.ListJobs(cmd.Context())
		if err != nil {
			cmd.Printf("List failed: %v\n", err)
			return
		}
		if len(jobs) == 0 {
			cmd.Println("No jobs in the queue")
			return
		}

		names := make([]string, 0, len(jobs))
		for name := range jobs {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "NAME\tSTATUS\tTIER\tUSER\tPROJECT\tPRIORITY")
		for _, name := range names {
			info := jobs[name]
			md := info.Spec.Metadata
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				name, info.State.Status, tierString(info.State), md.UserID, md.ProjectID, md.Priority)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

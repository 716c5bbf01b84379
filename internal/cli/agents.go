package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List configured agents",
	Long:  `List every agent defined in the agents directory.`,
	Args:  cobra.NoArgs,
	RunE:  runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(false)
	if err != nil {
		return err
	}
	defer cleanup()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL")
	for _, id := range a.Directory().IDs() {
		runner, ok := a.Directory().Get(id)
		if !ok {
			continue
		}
		model := runner.Model()
		if model == "" {
			model = "-"
		}
		fmt.Fprintf(w, "%s\t%s\n", id, model)
	}
	return w.Flush()
}

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history <agent>",
	Short: "Show an agent's conversation history",
	Long:  `Show the stored turns of one agent, oldest first.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "show only the most recent turns (0 shows all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print turns as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}

	a, cleanup, err := openApp(false)
	if err != nil {
		return err
	}
	defer cleanup()

	turns, err := a.History(cmd.Context(), args[0], historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(turns)
	}

	for _, turn := range turns {
		fmt.Fprintf(out, "[%s] %s: %s\n", turn.Timestamp.Local().Format("2006-01-02 15:04:05"), turn.Role, turn.Content)
	}
	return nil
}

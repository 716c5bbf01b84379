package cli

import (
	"fmt"
	"strings"

	"github.com/harun/troupe/internal/tracing"
	"github.com/harun/troupe/pkg/events"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <agent> <message>",
	Short: "Send one message to an agent",
	Long: `Send one message to an agent and stream its reply to stdout.
The command fails when the agent reports an error.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(false)
	if err != nil {
		return err
	}
	defer cleanup()

	agentID := args[0]
	message := strings.Join(args[1:], " ")
	out := cmd.OutOrStdout()

	// Events arrive on the goroutine calling Send.
	var failure string
	stop := a.Dispatcher().SubscribeAll(events.ForAgent(agentID, func(ev events.Event) {
		switch e := ev.(type) {
		case events.Streaming:
			fmt.Fprint(out, e.Chunk)
		case events.Completed:
			fmt.Fprintln(out)
		case events.Errored:
			failure = e.Message
		}
	}))
	defer stop()

	ctx := tracing.NewRequestContext(cmd.Context())
	if err := a.Send(ctx, agentID, message); err != nil {
		return err
	}
	if failure != "" {
		return fmt.Errorf("%s: %s", agentID, failure)
	}
	return nil
}

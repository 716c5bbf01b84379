package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/harun/troupe/internal/app"
	"github.com/harun/troupe/internal/tracing"
	"github.com/harun/troupe/pkg/events"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to several agents from one prompt",
	Long: `Start an interactive session. Address an agent with "@<agent> <message>";
a line without an address goes to the last agent addressed. Each message runs
in the background, so several agents can work at once. A message to an agent
that is still busy is rejected.

Commands:
  /agents   list agents and whether they are busy
  /quit     wait for running agents and exit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// chatSession routes REPL lines to agents and prints their results.
type chatSession struct {
	app *app.App
	out io.Writer

	outMu sync.Mutex
	wg    sync.WaitGroup
	last  string
}

func runChat(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(false)
	if err != nil {
		return err
	}
	defer cleanup()

	chat := &chatSession{app: a, out: cmd.OutOrStdout()}
	stop := a.Dispatcher().SubscribeAll(chat.handleEvent)
	defer stop()

	chat.printf("Agents: %s\n", strings.Join(a.Directory().IDs(), ", "))
	err = chat.loop(cmd, cmd.InOrStdin())
	chat.wg.Wait()
	return err
}

func (c *chatSession) loop(cmd *cobra.Command, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/agents":
			c.listAgents()
			continue
		}

		agentID, message, ok := c.route(line)
		if !ok {
			c.printf("address an agent first: @<agent> <message>\n")
			continue
		}
		if _, exists := c.app.Directory().Get(agentID); !exists {
			c.printf("unknown agent %q\n", agentID)
			continue
		}
		if message == "" {
			c.last = agentID
			continue
		}
		c.last = agentID

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ctx := tracing.NewRequestContext(cmd.Context())
			if err := c.app.Send(ctx, agentID, message); err != nil {
				c.printf("[%s] error: %v\n", agentID, err)
			}
		}()
	}

	return scanner.Err()
}

// route splits "@agent message" and falls back to the last agent addressed.
func (c *chatSession) route(line string) (string, string, bool) {
	if strings.HasPrefix(line, "@") {
		target, message, _ := strings.Cut(line[1:], " ")
		return target, strings.TrimSpace(message), target != ""
	}
	if c.last == "" {
		return "", "", false
	}
	return c.last, line, true
}

func (c *chatSession) handleEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.Completed:
		c.printf("[%s] %s\n", e.AgentID, e.Text)
	case events.Errored:
		c.printf("[%s] error: %s\n", e.AgentID, e.Message)
	}
}

func (c *chatSession) listAgents() {
	for _, id := range c.app.Directory().IDs() {
		runner, ok := c.app.Directory().Get(id)
		if !ok {
			continue
		}
		state := "idle"
		if runner.Busy() {
			state = "busy"
		}
		c.printf("  %s (%s)\n", id, state)
	}
}

func (c *chatSession) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

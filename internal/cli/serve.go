package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/troupe/internal/server"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the event feed and agent API",
	Long: `Run troupe in the foreground with an HTTP server exposing:
  /ws                       every agent event as JSON (?agent=<id> filters)
  POST /agents/{id}/messages  start a run
  GET  /agents/{id}/history   stored turns
  /metrics and /healthz
Agent definitions are reloaded when their files change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(true)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := a.Config()
	pidFile := getPIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("troupe is already serving (PID file: %s)", pidFile)
	}

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	if err := a.Watch(); err != nil {
		return err
	}

	srv, err := server.NewServer(server.Config{
		Host:       host,
		Port:       port,
		Dispatcher: a.Dispatcher(),
		Directory:  a.Directory(),
		History:    a.Store(),
		Logger:     a.Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return err
	}

	if err := writePIDFile(pidFile); err != nil {
		_ = srv.Stop()
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d agents on %s\n", len(a.Directory().IDs()), srv.Addr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	return nil
}

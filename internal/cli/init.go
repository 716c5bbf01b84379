package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/troupe/internal/config"
	"github.com/harun/troupe/pkg/workspace"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config and an example agent",
	Long: `Write the default configuration file and create an example agent in the
agents directory. Existing files are kept unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

const (
	exampleAgentID  = "assistant"
	exampleManifest = "name: Assistant\n# model: sonnet\n"
	examplePersona  = "You are a concise, helpful assistant.\n"
)

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) || initForce {
		if err := loader.Save(cfg); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
		fmt.Fprintf(out, "Configuration saved to: %s\n", configPath)
	} else {
		fmt.Fprintf(out, "Configuration exists: %s\n", configPath)
	}

	dir := filepath.Join(cfg.AgentsDir, exampleAgentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create agent directory: %w", err)
	}

	files := map[string]string{
		workspace.ManifestFile: exampleManifest,
		workspace.PersonaFile:  examplePersona,
	}
	for _, name := range []string{workspace.ManifestFile, workspace.PersonaFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil && !initForce {
			continue
		}
		if err := os.WriteFile(path, []byte(files[name]), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	fmt.Fprintf(out, "Example agent: %s\n", dir)
	fmt.Fprintln(out, "\nTry it with: troupe send assistant \"hello\"")
	return nil
}

package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agentScript = `if [ "$1" = "fail" ]; then
  echo "bad input" >&2
  exit 1
fi
printf '{"delta":{"text":"heard: "}}\n'
printf '{"delta":{"text":"%s"}}\n' "$1"
`

// setupTroupe writes a config whose agent process is a shell script, plus a
// "writer" agent. It returns the config path.
func setupTroupe(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	script := filepath.Join(dir, "agent.sh")
	require.NoError(t, os.WriteFile(script, []byte(agentScript), 0644))

	agentDir := filepath.Join(dir, "agents", "writer")
	require.NoError(t, os.MkdirAll(agentDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "agent.yaml"), []byte("model: opus\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "persona.md"), []byte("You write.\n"), 0644))

	configPath := filepath.Join(dir, "troupe.yaml")
	content := "data_dir: " + dir + "\n" +
		"process:\n" +
		"  binary: /bin/sh\n" +
		"  args:\n" +
		"    - " + script + "\n" +
		"    - \"{{message}}\"\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--version"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "troupe version")
		assert.Contains(t, output.String(), GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Troupe")
		assert.Contains(t, helpText, "agents")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("subcommands registered", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"agents", "send", "history", "chat", "serve", "status", "stop", "init"} {
			assert.True(t, names[want], "%s command should exist", want)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	configPath := setupTroupe(t)

	cfgFile, logLevel = configPath, "debug"
	t.Cleanup(func() { cfgFile, logLevel = "", "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/bin/sh", cfg.Process.Binary)
}

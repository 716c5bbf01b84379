package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("timeout flag", func(t *testing.T) {
		flag := stopCmd.Flags().Lookup("timeout")
		require.NotNil(t, flag)
		assert.Equal(t, "30", flag.DefValue)
	})

	t.Run("not running removes stale pid file", func(t *testing.T) {
		configPath := setupTroupe(t)
		pidFile := getPIDFilePath(filepath.Dir(configPath))
		require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), 0644))

		out, err := execute(t, "", "--config", configPath, "stop")
		require.NoError(t, err)
		assert.Contains(t, out, "troupe is not running")

		_, err = os.Stat(pidFile)
		assert.True(t, os.IsNotExist(err))
	})
}

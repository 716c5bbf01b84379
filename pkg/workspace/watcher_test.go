package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeLog struct {
	mu  sync.Mutex
	ids []string
}

func (c *changeLog) record(id string) error {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
	return nil
}

func (c *changeLog) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func startWatcher(t *testing.T, root string, log *changeLog) *Watcher {
	t.Helper()
	w, err := NewWatcher(WatcherConfig{
		Loader:             NewLoader(root),
		StabilityThreshold: 50 * time.Millisecond,
		OnChange:           log.record,
		Logger:             zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{OnChange: func(string) error { return nil }})
	assert.Error(t, err)

	_, err = NewWatcher(WatcherConfig{Loader: NewLoader(t.TempDir())})
	assert.Error(t, err)
}

func TestWatcher_StartStop(t *testing.T) {
	log := &changeLog{}
	w := startWatcher(t, t.TempDir(), log)

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestWatcher_ReportsChangedAgent(t *testing.T) {
	root := t.TempDir()
	writeAgent(t, root, "alice", "model: a\n", "persona", "")
	log := &changeLog{}
	startWatcher(t, root, log)

	require.NoError(t, os.WriteFile(filepath.Join(root, "alice", PersonaFile), []byte("new persona"), 0644))

	assert.Eventually(t, func() bool {
		ids := log.snapshot()
		return len(ids) > 0 && ids[0] == "alice"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatcher_DebouncesBurstPerAgent(t *testing.T) {
	root := t.TempDir()
	writeAgent(t, root, "alice", "model: a\n", "persona", "")
	log := &changeLog{}
	startWatcher(t, root, log)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "alice", NotesFile), []byte{byte('a' + i)}, 0644))
	}

	assert.Eventually(t, func() bool { return len(log.snapshot()) >= 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"alice"}, log.snapshot())
}

func TestWatcher_NewAgentDirectory(t *testing.T) {
	root := t.TempDir()
	log := &changeLog{}
	startWatcher(t, root, log)

	writeAgent(t, root, "bob", "model: a\n", "persona", "")

	assert.Eventually(t, func() bool {
		for _, id := range log.snapshot() {
			if id == "bob" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestShouldIgnore(t *testing.T) {
	assert.True(t, shouldIgnore("/a/.persona.md.swp"))
	assert.True(t, shouldIgnore("/a/persona.md~"))
	assert.True(t, shouldIgnore("/a/.git"))
	assert.False(t, shouldIgnore("/a/persona.md"))
}

package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/troupe/pkg/events"
	"github.com/harun/troupe/pkg/process"
	"github.com/harun/troupe/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStore is a mock implementation of session.Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) AppendTurn(ctx context.Context, agentID string, turn session.Turn) error {
	args := m.Called(ctx, agentID, turn)
	return args.Error(0)
}

func (m *MockStore) LoadHistory(ctx context.Context, agentID string, limit int) ([]session.Turn, error) {
	args := m.Called(ctx, agentID, limit)
	turns, _ := args.Get(0).([]session.Turn)
	return turns, args.Error(1)
}

func userTurn(content string) interface{} {
	return mock.MatchedBy(func(t session.Turn) bool {
		return t.Role == session.RoleUser && t.Content == content
	})
}

func assistantTurn(content string) interface{} {
	return mock.MatchedBy(func(t session.Turn) bool {
		return t.Role == session.RoleAssistant && t.Content == content
	})
}

// fakeProcess streams chunks then completes, or fails with message.
type fakeProcess struct {
	mu       sync.Mutex
	chunks   []string
	fail     string
	requests []process.Request
	onInvoke func()
}

func (f *fakeProcess) Invoke(ctx context.Context, req process.Request, pub events.Publisher) (string, bool) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	hook := f.onInvoke
	f.mu.Unlock()

	pub.Publish(events.Started{AgentID: req.AgentID})
	if hook != nil {
		hook()
	}
	text := ""
	for _, c := range f.chunks {
		text += c
		pub.Publish(events.Streaming{AgentID: req.AgentID, Chunk: c})
	}
	if f.fail != "" {
		pub.Publish(events.Errored{AgentID: req.AgentID, Message: f.fail})
		return "", false
	}
	pub.Publish(events.Completed{AgentID: req.AgentID, Text: text})
	return text, true
}

func (f *fakeProcess) Requests() []process.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]process.Request(nil), f.requests...)
}

func newTestRunner(t *testing.T, cfg Config) (*Runner, *events.Recorder) {
	t.Helper()
	rec := events.NewRecorder()
	if cfg.ID == "" {
		cfg.ID = "alice"
	}
	if cfg.Publisher == nil {
		cfg.Publisher = rec
	}
	cfg.Logger = zerolog.Nop()
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	return r, rec
}

func TestNewRunner_Validation(t *testing.T) {
	store := &MockStore{}
	proc := &fakeProcess{}
	pub := events.NewRecorder()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing id", Config{Store: store, Publisher: pub, Invoke: proc.Invoke}},
		{"bad id", Config{ID: "../x", Store: store, Publisher: pub, Invoke: proc.Invoke}},
		{"missing store", Config{ID: "a", Publisher: pub, Invoke: proc.Invoke}},
		{"missing publisher", Config{ID: "a", Store: store, Invoke: proc.Invoke}},
		{"missing invoke", Config{ID: "a", Store: store, Publisher: pub}},
		{"negative limit", Config{ID: "a", Store: store, Publisher: pub, Invoke: proc.Invoke, HistoryLimit: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestRunner_SuccessfulTurn(t *testing.T) {
	history := []session.Turn{
		session.NewTurn(session.RoleUser, "earlier"),
		session.NewTurn(session.RoleAssistant, "reply"),
	}

	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, "alice", 10).Return(history, nil).Once()
	store.On("AppendTurn", mock.Anything, "alice", userTurn("hi")).Return(nil).Once()
	store.On("AppendTurn", mock.Anything, "alice", assistantTurn("Hello world")).Return(nil).Once()

	var hookTurns []session.Turn
	proc := &fakeProcess{chunks: []string{"Hello ", "world"}}
	r, rec := newTestRunner(t, Config{
		Persona:      "persona",
		Notes:        "notes",
		Model:        "sonnet",
		Store:        store,
		Invoke:       proc.Invoke,
		HistoryLimit: 10,
		OnTurnComplete: func(ctx context.Context, agentID string, turns []session.Turn) error {
			assert.Equal(t, "alice", agentID)
			hookTurns = turns
			return nil
		},
	})

	require.NoError(t, r.Run(context.Background(), "hi"))

	store.AssertExpectations(t)
	assert.False(t, r.Busy())
	assert.Equal(t, []events.Kind{
		events.KindStarted, events.KindStreaming, events.KindStreaming, events.KindCompleted,
	}, rec.Kinds("alice"))

	reqs := proc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, process.Request{
		AgentID:      "alice",
		Model:        "sonnet",
		SystemPrompt: "persona\n\n---\n## Memory\n\nnotes",
		Message:      "hi",
	}, reqs[0])

	require.Len(t, hookTurns, 4)
	assert.Equal(t, "earlier", hookTurns[0].Content)
	assert.Equal(t, "hi", hookTurns[2].Content)
	assert.Equal(t, session.RoleAssistant, hookTurns[3].Role)
	assert.Equal(t, "Hello world", hookTurns[3].Content)
}

func TestRunner_UserTurnPersistedBeforeInvoke(t *testing.T) {
	var appended atomic.Bool

	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil)
	store.On("AppendTurn", mock.Anything, "alice", userTurn("hi")).
		Run(func(mock.Arguments) { appended.Store(true) }).
		Return(nil)
	store.On("AppendTurn", mock.Anything, "alice", assistantTurn("ok")).Return(nil)

	proc := &fakeProcess{chunks: []string{"ok"}}
	proc.onInvoke = func() {
		assert.True(t, appended.Load(), "user turn must be saved before the process starts")
	}
	r, _ := newTestRunner(t, Config{Store: store, Invoke: proc.Invoke})

	require.NoError(t, r.Run(context.Background(), "hi"))
	store.AssertExpectations(t)
}

func TestRunner_ProcessFailureSavesOnlyUserTurn(t *testing.T) {
	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil)
	store.On("AppendTurn", mock.Anything, "alice", userTurn("hi")).Return(nil).Once()

	hookCalled := false
	proc := &fakeProcess{chunks: []string{"partial"}, fail: "boom"}
	r, rec := newTestRunner(t, Config{
		Store:  store,
		Invoke: proc.Invoke,
		OnTurnComplete: func(context.Context, string, []session.Turn) error {
			hookCalled = true
			return nil
		},
	})

	require.NoError(t, r.Run(context.Background(), "hi"))

	store.AssertExpectations(t)
	store.AssertNumberOfCalls(t, "AppendTurn", 1)
	assert.False(t, hookCalled)
	assert.Equal(t, []events.Kind{
		events.KindStarted, events.KindStreaming, events.KindErrored,
	}, rec.Kinds("alice"))
}

func TestRunner_EmptyResultIsNotSaved(t *testing.T) {
	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil)
	store.On("AppendTurn", mock.Anything, "alice", userTurn("hi")).Return(nil).Once()

	proc := &fakeProcess{}
	r, _ := newTestRunner(t, Config{Store: store, Invoke: proc.Invoke})

	require.NoError(t, r.Run(context.Background(), "hi"))
	store.AssertNumberOfCalls(t, "AppendTurn", 1)
}

func TestRunner_ConflictPublishesOneErrored(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil).Once()
	store.On("AppendTurn", mock.Anything, "alice", userTurn("first")).Return(nil).Once()
	store.On("AppendTurn", mock.Anything, "alice", assistantTurn("done")).Return(nil).Once()

	proc := &fakeProcess{chunks: []string{"done"}}
	proc.onInvoke = func() {
		close(entered)
		<-release
	}
	r, rec := newTestRunner(t, Config{Store: store, Invoke: proc.Invoke})

	firstDone := make(chan error, 1)
	go func() { firstDone <- r.Run(context.Background(), "first") }()

	<-entered
	assert.True(t, r.Busy())

	require.NoError(t, r.Run(context.Background(), "second"))

	errored := 0
	for _, ev := range rec.ForAgent("alice") {
		if e, ok := ev.(events.Errored); ok {
			errored++
			assert.Contains(t, e.Message, ErrAlreadyRunning.Error())
		}
	}
	assert.Equal(t, 1, errored)

	close(release)
	require.NoError(t, <-firstDone)

	assert.Len(t, proc.Requests(), 1)
	assert.False(t, r.Busy())
	store.AssertExpectations(t)

	// The in-flight turn finished normally despite the rejected call.
	kinds := rec.Kinds("alice")
	assert.Equal(t, events.KindCompleted, kinds[len(kinds)-1])
}

func TestRunner_OnIdleAfterEachAcceptedRun(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil)
	store.On("AppendTurn", mock.Anything, "alice", mock.Anything).Return(nil)

	var idle []bool
	var r *Runner
	proc := &fakeProcess{chunks: []string{"ok"}}
	proc.onInvoke = func() {
		close(entered)
		<-release
	}
	r, _ = newTestRunner(t, Config{
		Store:  store,
		Invoke: proc.Invoke,
		OnIdle: func(agentID string) {
			assert.Equal(t, "alice", agentID)
			idle = append(idle, r.Busy())
		},
	})

	firstDone := make(chan error, 1)
	go func() { firstDone <- r.Run(context.Background(), "first") }()
	<-entered

	// A rejected call never held the agent, so it does not signal idle.
	require.NoError(t, r.Run(context.Background(), "second"))
	assert.Empty(t, idle)

	close(release)
	require.NoError(t, <-firstDone)
	assert.Equal(t, []bool{false}, idle)
}

func TestRunner_StoreErrorsAreReturnedAndClearBusy(t *testing.T) {
	loadErr := errors.New("disk gone")

	t.Run("load history", func(t *testing.T) {
		store := &MockStore{}
		store.On("LoadHistory", mock.Anything, "alice", 0).Return(nil, loadErr)

		proc := &fakeProcess{chunks: []string{"x"}}
		r, rec := newTestRunner(t, Config{Store: store, Invoke: proc.Invoke})

		err := r.Run(context.Background(), "hi")
		assert.ErrorIs(t, err, loadErr)
		assert.False(t, r.Busy())
		assert.Empty(t, proc.Requests())
		assert.Empty(t, rec.Events())
	})

	t.Run("user turn", func(t *testing.T) {
		store := &MockStore{}
		store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil)
		store.On("AppendTurn", mock.Anything, "alice", userTurn("hi")).Return(loadErr)

		proc := &fakeProcess{chunks: []string{"x"}}
		r, _ := newTestRunner(t, Config{Store: store, Invoke: proc.Invoke})

		err := r.Run(context.Background(), "hi")
		assert.ErrorIs(t, err, loadErr)
		assert.False(t, r.Busy())
		assert.Empty(t, proc.Requests())
	})

	t.Run("assistant turn", func(t *testing.T) {
		store := &MockStore{}
		store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil)
		store.On("AppendTurn", mock.Anything, "alice", userTurn("hi")).Return(nil)
		store.On("AppendTurn", mock.Anything, "alice", assistantTurn("x")).Return(loadErr)

		hookCalled := false
		proc := &fakeProcess{chunks: []string{"x"}}
		r, _ := newTestRunner(t, Config{
			Store:  store,
			Invoke: proc.Invoke,
			OnTurnComplete: func(context.Context, string, []session.Turn) error {
				hookCalled = true
				return nil
			},
		})

		err := r.Run(context.Background(), "hi")
		assert.ErrorIs(t, err, loadErr)
		assert.False(t, r.Busy())
		assert.False(t, hookCalled)

		// The runner is usable again.
		store.ExpectedCalls = nil
		store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil)
		store.On("AppendTurn", mock.Anything, "alice", mock.Anything).Return(nil)
		assert.NoError(t, r.Run(context.Background(), "again"))
	})
}

func TestRunner_NotesLoader(t *testing.T) {
	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil)
	store.On("AppendTurn", mock.Anything, "alice", mock.Anything).Return(nil)

	calls := 0
	proc := &fakeProcess{chunks: []string{"ok"}}
	r, _ := newTestRunner(t, Config{
		Persona: "persona",
		Notes:   "stale",
		Store:   store,
		Invoke:  proc.Invoke,
		LoadNotes: func(ctx context.Context, agentID string) (string, error) {
			calls++
			return "fresh", nil
		},
	})

	require.NoError(t, r.Run(context.Background(), "one"))
	require.NoError(t, r.Run(context.Background(), "two"))

	assert.Equal(t, 2, calls)
	for _, req := range proc.Requests() {
		assert.Equal(t, "persona\n\n---\n## Memory\n\nfresh", req.SystemPrompt)
	}
}

func TestRunner_NotesLoaderError(t *testing.T) {
	notesErr := errors.New("unreadable")
	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil)

	proc := &fakeProcess{}
	r, _ := newTestRunner(t, Config{
		Store:  store,
		Invoke: proc.Invoke,
		LoadNotes: func(context.Context, string) (string, error) {
			return "", notesErr
		},
	})

	assert.ErrorIs(t, r.Run(context.Background(), "hi"), notesErr)
	assert.False(t, r.Busy())
	store.AssertNotCalled(t, "AppendTurn", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunner_HookErrorIsReturned(t *testing.T) {
	hookErr := errors.New("hook failed")
	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil)
	store.On("AppendTurn", mock.Anything, "alice", mock.Anything).Return(nil)

	proc := &fakeProcess{chunks: []string{"ok"}}
	r, _ := newTestRunner(t, Config{
		Store:  store,
		Invoke: proc.Invoke,
		OnTurnComplete: func(context.Context, string, []session.Turn) error {
			return hookErr
		},
	})

	assert.ErrorIs(t, r.Run(context.Background(), "hi"), hookErr)
	store.AssertNumberOfCalls(t, "AppendTurn", 2)
}

func TestRunner_HistoryIsReloadedEveryRun(t *testing.T) {
	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil).Twice()
	store.On("AppendTurn", mock.Anything, "alice", mock.Anything).Return(nil)

	proc := &fakeProcess{chunks: []string{"ok"}}
	r, _ := newTestRunner(t, Config{Store: store, Invoke: proc.Invoke})

	require.NoError(t, r.Run(context.Background(), "one"))
	require.NoError(t, r.Run(context.Background(), "two"))

	store.AssertNumberOfCalls(t, "LoadHistory", 2)
	reqs := proc.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "two", reqs[1].Message)
}

func TestRunner_ConcurrentAgentsNeverCrossDeliver(t *testing.T) {
	d := events.NewDispatcher(zerolog.Nop())

	var mu sync.Mutex
	seenByA := []string{}
	stop := d.Subscribe(events.KindStreaming, events.ForAgent("a", func(ev events.Event) {
		mu.Lock()
		seenByA = append(seenByA, ev.(events.Streaming).Chunk)
		mu.Unlock()
	}))
	defer stop()

	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, mock.Anything, 0).Return([]session.Turn{}, nil)
	store.On("AppendTurn", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	newRunner := func(id, chunk string) *Runner {
		chunks := make([]string, 50)
		for i := range chunks {
			chunks[i] = chunk
		}
		proc := &fakeProcess{chunks: chunks}
		r, err := NewRunner(Config{
			ID:        id,
			Store:     store,
			Publisher: d,
			Invoke:    proc.Invoke,
			Logger:    zerolog.Nop(),
		})
		require.NoError(t, err)
		return r
	}

	a := newRunner("a", "A")
	b := newRunner("b", "B")

	var wg sync.WaitGroup
	for _, r := range []*Runner{a, b} {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			assert.NoError(t, r.Run(context.Background(), "go"))
		}(r)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seenByA, 50)
	for _, c := range seenByA {
		assert.Equal(t, "A", c)
	}
}

func TestRunner_ConcurrentCallsRunOnce(t *testing.T) {
	store := &MockStore{}
	store.On("LoadHistory", mock.Anything, "alice", 0).Return([]session.Turn{}, nil)
	store.On("AppendTurn", mock.Anything, "alice", mock.Anything).Return(nil)

	release := make(chan struct{})
	proc := &fakeProcess{chunks: []string{"ok"}}
	proc.onInvoke = func() { <-release }
	r, rec := newTestRunner(t, Config{Store: store, Invoke: proc.Invoke})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Run(context.Background(), "hi"))
		}()
	}

	require.Eventually(t, func() bool {
		return len(rec.ForAgent("alice")) >= 10
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Len(t, proc.Requests(), 1)
	conflicts := 0
	for _, ev := range rec.ForAgent("alice") {
		if _, ok := ev.(events.Errored); ok {
			conflicts++
		}
	}
	assert.Equal(t, 9, conflicts)
}

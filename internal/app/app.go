// Package app wires configuration, storage, the event dispatcher and the agent
// directory into one running troupe.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/harun/troupe/internal/config"
	"github.com/harun/troupe/internal/logger"
	"github.com/harun/troupe/internal/observability"
	"github.com/harun/troupe/internal/tracing"
	"github.com/harun/troupe/pkg/agent"
	"github.com/harun/troupe/pkg/events"
	"github.com/harun/troupe/pkg/hooks"
	"github.com/harun/troupe/pkg/process"
	"github.com/harun/troupe/pkg/session"
	"github.com/harun/troupe/pkg/workspace"
	"github.com/rs/zerolog"
)

// App owns every long-lived component of a troupe.
type App struct {
	config *config.Config
	base   zerolog.Logger
	logger zerolog.Logger

	store      session.Backend
	dispatcher *events.Dispatcher
	loader     *workspace.Loader
	hooks      *hooks.Manager
	process    *process.Session
	directory  *agent.Directory

	mu      sync.Mutex
	hashes  map[string]string
	pending map[string]bool
	watcher *workspace.Watcher

	tracingEnabled bool
	closeOnce      sync.Once
}

// New builds an App from cfg. It fails with config.ErrNoAgents when the
// agents directory defines nothing to run.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	observability.EnsureRegistered()

	base := zerolog.Nop()
	if log != nil {
		base = log.GetZerolog()
	}

	a := &App{
		config: cfg,
		base:   base,
		logger: base.With().Str("component", "app").Logger(),
		hashes:  make(map[string]string),
		pending: make(map[string]bool),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Config{
			Enabled:     true,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			a.tracingEnabled = true
		}
	}

	if err := a.initialize(); err != nil {
		_ = a.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) initialize() error {
	base := a.base

	store, err := openStore(a.config.Store)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	a.store = store
	a.logger.Info().
		Str("backend", a.config.Store.Backend).
		Str("path", a.config.Store.Path).
		Msg("History store initialized")

	a.dispatcher = events.NewDispatcher(base)

	hookManager, err := hooks.NewManager(hooks.Config{
		Enabled: a.config.Hooks.Enabled,
		Hooks:   convertHooks(a.config.Hooks.Entries),
		Logger:  base,
	})
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	a.hooks = hookManager

	var args process.ArgsBuilder
	if len(a.config.Process.Args) > 0 {
		args = process.TemplateArgs(a.config.Process.Args)
	}
	a.process = process.NewSession(process.Config{
		Binary:                  a.config.Process.Binary,
		Args:                    args,
		Env:                     a.config.Process.Env,
		Dir:                     a.config.Process.Dir,
		DropUnrecognizedObjects: a.config.Process.DropUnrecognizedObjects,
		Logger:                  base,
	})

	a.loader = workspace.NewLoader(a.config.AgentsDir)
	a.directory = agent.NewDirectory()

	defs, err := a.loader.LoadAll()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w in %s", config.ErrNoAgents, a.config.AgentsDir)
		}
		return fmt.Errorf("failed to load agents: %w", err)
	}
	if len(defs) == 0 {
		return fmt.Errorf("%w in %s", config.ErrNoAgents, a.config.AgentsDir)
	}

	for _, def := range defs {
		if _, err := a.register(def); err != nil {
			return err
		}
	}

	a.logger.Info().
		Int("agents", len(defs)).
		Str("dir", a.config.AgentsDir).
		Msg("Agents registered")

	return nil
}

func openStore(cfg config.StoreConfig) (session.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		return session.NewSQLiteStore(cfg.Path)
	default:
		return session.NewFileStore(cfg.Path)
	}
}

func convertHooks(entries []config.HookConfig) []hooks.Hook {
	out := make([]hooks.Hook, 0, len(entries))
	for _, entry := range entries {
		out = append(out, hooks.Hook{
			ID:      entry.ID,
			Event:   entry.Event,
			Script:  entry.Script,
			Timeout: time.Duration(entry.TimeoutSeconds) * time.Second,
			Enabled: entry.Enabled,
		})
	}
	return out
}

func (a *App) newRunner(def workspace.Definition) (*agent.Runner, error) {
	return agent.NewRunner(agent.Config{
		ID:             def.ID,
		Persona:        def.Persona,
		Model:          def.Model,
		Notes:          def.Notes,
		LoadNotes:      a.loader.NotesLoader(),
		OnTurnComplete: a.hooks.TurnComplete(),
		OnIdle:         a.retryPending,
		Store:          a.store,
		Publisher:      a.dispatcher,
		Invoke:         a.process.Invoke,
		HistoryLimit:   a.config.Store.HistoryLimit,
		Logger:         a.base,
	})
}

// register installs a runner for def unless the registered one was built from
// the same files. It reports whether the directory changed. A busy runner is
// not replaced; the agent is marked pending and reloaded when the run ends.
func (a *App) register(def workspace.Definition) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hash, ok := a.hashes[def.ID]; ok && hash == def.Hash {
		delete(a.pending, def.ID)
		return false, nil
	}
	if current, ok := a.directory.Get(def.ID); ok && current.Busy() {
		a.pending[def.ID] = true
		return false, fmt.Errorf("cannot replace %s: %w", def.ID, agent.ErrAlreadyRunning)
	}
	delete(a.pending, def.ID)

	runner, err := a.newRunner(def)
	if err != nil {
		return false, fmt.Errorf("failed to create runner for %s: %w", def.ID, err)
	}
	a.directory.Register(def.ID, runner)
	a.hashes[def.ID] = def.Hash

	a.logger.Debug().
		Str("agent_id", def.ID).
		Str("model", def.Model).
		Str("hash", def.Hash).
		Msg("Runner registered")

	return true, nil
}

// ReloadAgent re-reads one agent's files and replaces its runner when the
// manifest or persona changed. A removed agent keeps its last runner.
func (a *App) ReloadAgent(agentID string) error {
	def, err := a.loader.Load(agentID)
	if err != nil {
		if errors.Is(err, workspace.ErrAgentNotFound) {
			a.mu.Lock()
			delete(a.pending, agentID)
			a.mu.Unlock()
			a.logger.Warn().Str("agent_id", agentID).Msg("Agent definition removed, keeping last runner")
			return nil
		}
		return err
	}

	changed, err := a.register(*def)
	if err != nil {
		return err
	}
	if changed {
		a.logger.Info().Str("agent_id", agentID).Msg("Agent reloaded")
	}
	return nil
}

// retryPending applies a reload that was refused while agentID was busy.
func (a *App) retryPending(agentID string) {
	a.mu.Lock()
	pending := a.pending[agentID]
	a.mu.Unlock()
	if !pending {
		return
	}

	if err := a.ReloadAgent(agentID); err != nil {
		a.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Deferred reload failed")
	}
}

// Reload re-reads every definition and returns how many runners changed.
func (a *App) Reload() (int, error) {
	defs, err := a.loader.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to load agents: %w", err)
	}

	var errs []error
	changed := 0
	for _, def := range defs {
		ok, err := a.register(def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			changed++
		}
	}

	return changed, errors.Join(errs...)
}

// Watch starts reloading agents when their files change.
func (a *App) Watch() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.watcher != nil {
		return nil
	}

	watcher, err := workspace.NewWatcher(workspace.WatcherConfig{
		Loader:   a.loader,
		OnChange: a.ReloadAgent,
		Logger:   a.base,
	})
	if err != nil {
		return fmt.Errorf("failed to create agents watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to start agents watcher: %w", err)
	}
	a.watcher = watcher

	a.logger.Info().Str("dir", a.loader.Root()).Msg("Watching agents directory")
	return nil
}

// Send runs one turn for agentID. Unknown agents are an error; a busy agent
// yields an Errored event.
func (a *App) Send(ctx context.Context, agentID, message string) error {
	runner, ok := a.directory.Get(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", workspace.ErrAgentNotFound, agentID)
	}
	return runner.Run(ctx, message)
}

// History returns an agent's stored turns.
func (a *App) History(ctx context.Context, agentID string, limit int) ([]session.Turn, error) {
	return a.store.LoadHistory(ctx, agentID, limit)
}

// Config returns the configuration the App was built with.
func (a *App) Config() *config.Config {
	return a.config
}

// Logger returns the logger components are built with.
func (a *App) Logger() zerolog.Logger {
	return a.base
}

// Directory returns the agent directory.
func (a *App) Directory() *agent.Directory {
	return a.directory
}

// Dispatcher returns the event dispatcher every runner publishes to.
func (a *App) Dispatcher() *events.Dispatcher {
	return a.dispatcher
}

// Store returns the history store.
func (a *App) Store() session.Backend {
	return a.store
}

// Close stops the watcher, closes the store and flushes traces.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		watcher := a.watcher
		a.watcher = nil
		a.mu.Unlock()

		if watcher != nil {
			if err := watcher.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop watcher: %w", err))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close store: %w", err))
			}
		}
		if a.tracingEnabled {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shutdown tracing: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

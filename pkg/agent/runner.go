package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/harun/troupe/internal/observability"
	"github.com/harun/troupe/internal/tracing"
	"github.com/harun/troupe/pkg/events"
	"github.com/harun/troupe/pkg/process"
	"github.com/harun/troupe/pkg/prompt"
	"github.com/harun/troupe/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrAlreadyRunning describes a Run rejected because the agent is busy.
var ErrAlreadyRunning = errors.New("agent is already running")

// NotesLoader reads an agent's notes at the start of every run.
type NotesLoader func(ctx context.Context, agentID string) (string, error)

// IdleHook is called when a run releases the agent, after the busy flag
// has been cleared.
type IdleHook func(agentID string)

// TurnHook is called after an assistant turn has been persisted, with the
// full conversation including that turn.
type TurnHook func(ctx context.Context, agentID string, turns []session.Turn) error

// Config holds runner configuration
type Config struct {
	ID      string
	Persona string
	Model   string
	// Notes is used when LoadNotes is nil.
	Notes          string
	LoadNotes      NotesLoader
	OnTurnComplete TurnHook
	OnIdle         IdleHook

	Store     session.Store
	Publisher events.Publisher
	Invoke    process.InvokeFunc

	// HistoryLimit caps the turns loaded per run; 0 loads everything.
	HistoryLimit int
	Logger       zerolog.Logger
}

// Runner serializes turns for one agent.
type Runner struct {
	id             string
	persona        string
	model          string
	notes          string
	loadNotes      NotesLoader
	onTurnComplete TurnHook
	onIdle         IdleHook

	store        session.Store
	publisher    events.Publisher
	invoke       process.InvokeFunc
	historyLimit int
	logger       zerolog.Logger

	running atomic.Bool
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if err := session.ValidateAgentID(cfg.ID); err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Invoke == nil {
		return nil, fmt.Errorf("invoke function is required")
	}
	if cfg.HistoryLimit < 0 {
		return nil, fmt.Errorf("history limit cannot be negative")
	}

	return &Runner{
		id:             cfg.ID,
		persona:        cfg.Persona,
		model:          cfg.Model,
		notes:          cfg.Notes,
		loadNotes:      cfg.LoadNotes,
		onTurnComplete: cfg.OnTurnComplete,
		onIdle:         cfg.OnIdle,
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		invoke:         cfg.Invoke,
		historyLimit:   cfg.HistoryLimit,
		logger:         cfg.Logger.With().Str("component", "agent").Str("agent_id", cfg.ID).Logger(),
	}, nil
}

// ID returns the agent this runner serves.
func (r *Runner) ID() string {
	return r.id
}

// Model returns the model identifier passed to the process.
func (r *Runner) Model() string {
	return r.model
}

// Busy reports whether a turn is in flight.
func (r *Runner) Busy() bool {
	return r.running.Load()
}

// Run executes one turn for input. A call made while another turn is in
// flight publishes an Errored event and returns nil. Process failures are
// reported only through events; store, notes and hook failures are returned.
func (r *Runner) Run(ctx context.Context, input string) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !r.running.CompareAndSwap(false, true) {
		observability.RecordRunConflict(r.id)
		r.logger.Warn().Msg("Run rejected, agent is busy")
		r.publisher.Publish(events.Errored{
			AgentID: r.id,
			Message: fmt.Sprintf("%s: %v", r.id, ErrAlreadyRunning),
		})
		return nil
	}
	defer func() {
		r.running.Store(false)
		if r.onIdle != nil {
			r.onIdle(r.id)
		}
	}()

	observability.AddActiveRunner(1)
	defer observability.AddActiveRunner(-1)

	ctx = tracing.NewAgentRunContext(ctx, r.id)
	ctx, span := tracing.StartSpan(
		ctx,
		"troupe.agent",
		"agent.run",
		attribute.String("model", r.model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	start := time.Now()
	succeeded := false
	defer func() {
		observability.RecordAgentRun(r.id, time.Since(start), succeeded)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error().Err(err).Msg("Agent run failed")
		}
	}()

	history, err := r.store.LoadHistory(ctx, r.id, r.historyLimit)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	notes := r.notes
	if r.loadNotes != nil {
		notes, err = r.loadNotes(ctx, r.id)
		if err != nil {
			return fmt.Errorf("failed to load notes: %w", err)
		}
	}

	systemPrompt := prompt.AssembleSystemPrompt(r.persona, notes)
	turns := prompt.AssembleTurns(history, input)

	if err := r.store.AppendTurn(ctx, r.id, turns[len(turns)-1]); err != nil {
		return fmt.Errorf("failed to save user turn: %w", err)
	}

	logger.Debug().
		Int("history", len(history)).
		Int("system_prompt_length", len(systemPrompt)).
		Msg("Invoking agent process")

	text, ok := r.invoke(ctx, process.Request{
		AgentID:      r.id,
		Model:        r.model,
		SystemPrompt: systemPrompt,
		Message:      prompt.LatestUserMessage(turns),
	}, r.publisher)
	span.SetAttributes(attribute.Bool("completed", ok))

	if !ok {
		logger.Info().Msg("Agent process did not complete")
		return nil
	}
	succeeded = true
	if text == "" {
		logger.Info().Msg("Agent completed without output, nothing to save")
		return nil
	}

	assistant := session.NewTurn(session.RoleAssistant, text)
	if err := r.store.AppendTurn(ctx, r.id, assistant); err != nil {
		return fmt.Errorf("failed to save assistant turn: %w", err)
	}
	turns = append(turns, assistant)

	if r.onTurnComplete != nil {
		if err := r.onTurnComplete(ctx, r.id, turns); err != nil {
			return fmt.Errorf("turn complete hook failed: %w", err)
		}
	}

	logger.Info().
		Int("turns", len(turns)).
		Dur("duration", time.Since(start)).
		Msg("Agent turn completed")

	return nil
}

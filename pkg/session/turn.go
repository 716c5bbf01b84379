package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/troupe/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in an agent's conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn stamped with the current time.
func NewTurn(role Role, content string) Turn {
	return Turn{Role: role, Content: content, Timestamp: time.Now()}
}

// Store is the persistence collaborator used by agent runners. Implementations
// must be safe for concurrent use across agents.
type Store interface {
	// AppendTurn appends one turn to the agent's history.
	AppendTurn(ctx context.Context, agentID string, turn Turn) error
	// LoadHistory returns the agent's turns oldest first. A positive limit
	// keeps only the most recent limit turns.
	LoadHistory(ctx context.Context, agentID string, limit int) ([]Turn, error)
}

// Backend is a Store that also owns its resources and can enumerate and
// clear histories.
type Backend interface {
	Store
	DeleteHistory(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context) ([]string, error)
	Close() error
}

var (
	// ErrInvalidAgentID is returned for agent IDs that cannot name a history.
	ErrInvalidAgentID = errors.New("invalid agent id")
	// ErrStoreClosed is returned by writes after Close.
	ErrStoreClosed = errors.New("history store is closed")
)

// ValidateAgentID rejects IDs that are empty or could escape a directory.
func ValidateAgentID(agentID string) error {
	switch {
	case agentID == "":
		return fmt.Errorf("%w: cannot be empty", ErrInvalidAgentID)
	case strings.Contains(agentID, ".."):
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidAgentID)
	case strings.ContainsAny(agentID, "/\\"):
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidAgentID)
	case strings.Contains(agentID, "\x00"):
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidAgentID)
	}
	return nil
}

func validateTurn(turn *Turn) error {
	if turn.Role != RoleUser && turn.Role != RoleAssistant {
		return fmt.Errorf("invalid turn role %q", turn.Role)
	}
	if turn.Content == "" {
		return fmt.Errorf("turn content cannot be empty")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	return nil
}

func tail(turns []Turn, limit int) []Turn {
	if limit > 0 && len(turns) > limit {
		return turns[len(turns)-limit:]
	}
	return turns
}

// storeLogger returns the context logger tagged with agentID. Runs already
// carry agent_id in their context, so it is only added when missing.
func storeLogger(ctx context.Context, agentID string) zerolog.Logger {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	if tracing.GetAgentID(ctx) == "" {
		logger = logger.With().Str("agent_id", agentID).Logger()
	}
	return logger
}

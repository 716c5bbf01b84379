package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/troupe/internal/observability"
	"github.com/harun/troupe/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const sqliteBackend = "sqlite"

// SQLiteStore keeps every agent's turns in one SQLite table.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path in WAL mode.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite history store initialized")

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_agent ON turns(agent_id, id);
	`)
	return err
}

// AppendTurn inserts one turn.
func (s *SQLiteStore) AppendTurn(ctx context.Context, agentID string, turn Turn) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"troupe.session",
		"session.append_turn",
		attribute.String("backend", sqliteBackend),
		attribute.String("role", string(turn.Role)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordStoreAppend(sqliteBackend, time.Since(start))
	}()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := ValidateAgentID(agentID); err != nil {
		return fail(err)
	}
	if err := validateTurn(&turn); err != nil {
		return fail(err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (agent_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		agentID, string(turn.Role), turn.Content, turn.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fail(fmt.Errorf("failed to insert turn: %w", err))
	}

	logger := storeLogger(ctx, agentID)
	logger.Debug().
		Str("role", string(turn.Role)).
		Msg("Turn appended")

	return nil
}

// LoadHistory returns the agent's turns oldest first.
func (s *SQLiteStore) LoadHistory(ctx context.Context, agentID string, limit int) ([]Turn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"troupe.session",
		"session.load_history",
		attribute.String("backend", sqliteBackend),
		attribute.Int("limit", limit),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordStoreLoad(sqliteBackend, time.Since(start))
	}()

	fail := func(err error) ([]Turn, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := ValidateAgentID(agentID); err != nil {
		return fail(err)
	}

	query := `SELECT role, content, created_at FROM turns WHERE agent_id = ? ORDER BY id ASC`
	args := []any{agentID}
	if limit > 0 {
		query = `SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM turns WHERE agent_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fail(fmt.Errorf("failed to query turns: %w", err))
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var role, content, createdAt string
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return fail(fmt.Errorf("failed to scan turn: %w", err))
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			logger := storeLogger(ctx, agentID)
			logger.Warn().
				Str("created_at", createdAt).
				Msg("Unparseable turn timestamp")
		}
		turns = append(turns, Turn{Role: Role(role), Content: content, Timestamp: ts})
	}
	if err := rows.Err(); err != nil {
		return fail(fmt.Errorf("failed to iterate turns: %w", err))
	}

	return turns, nil
}

// DeleteHistory removes every turn for the agent.
func (s *SQLiteStore) DeleteHistory(ctx context.Context, agentID string) error {
	if err := ValidateAgentID(agentID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	return nil
}

// ListAgents lists the agents that have at least one turn.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM turns ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	agents := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan agent id: %w", err)
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

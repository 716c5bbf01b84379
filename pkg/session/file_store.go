package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/troupe/internal/observability"
	"github.com/harun/troupe/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const fileBackend = "jsonl"

// historyEntry is one JSONL line.
type historyEntry struct {
	AgentID string `json:"agentId"`
	Turn    Turn   `json:"turn"`
}

// FileStore keeps one JSONL file per agent.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
	closed     bool
}

// NewFileStore creates a FileStore rooted at dir, defaulting to
// ~/.troupe/history.
func NewFileStore(dir string) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".troupe", "history")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("History store initialized")

	return &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (fs *FileStore) historyPath(agentID string) string {
	return filepath.Join(fs.dir, agentID+".jsonl")
}

func (fs *FileStore) writeLock(agentID string) (*sync.Mutex, error) {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	if fs.closed {
		return nil, ErrStoreClosed
	}
	if lock, exists := fs.writeLocks[agentID]; exists {
		return lock, nil
	}

	lock := &sync.Mutex{}
	fs.writeLocks[agentID] = lock
	return lock, nil
}

// AppendTurn appends a turn to the agent's JSONL file and syncs it to disk.
func (fs *FileStore) AppendTurn(ctx context.Context, agentID string, turn Turn) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"troupe.session",
		"session.append_turn",
		attribute.String("backend", fileBackend),
		attribute.String("role", string(turn.Role)),
	)
	defer span.End()
	logger := storeLogger(ctx, agentID)
	start := time.Now()
	defer func() {
		observability.RecordStoreAppend(fileBackend, time.Since(start))
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

	lock, err := fs.writeLock(agentID)
	if err != nil {
		return fail(err)
	}
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(fs.historyPath(agentID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fail(fmt.Errorf("failed to open history file: %w", err))
	}
	defer file.Close()

	data, err := json.Marshal(historyEntry{AgentID: agentID, Turn: turn})
	if err != nil {
		return fail(fmt.Errorf("failed to marshal turn: %w", err))
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fail(fmt.Errorf("failed to write turn: %w", err))
	}

	if err := file.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync history file: %w", err))
	}

	logger.Debug().
		Str("role", string(turn.Role)).
		Msg("Turn appended")

	return nil
}

// LoadHistory reads the agent's turns, skipping lines that fail to parse.
func (fs *FileStore) LoadHistory(ctx context.Context, agentID string, limit int) ([]Turn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"troupe.session",
		"session.load_history",
		attribute.String("backend", fileBackend),
		attribute.Int("limit", limit),
	)
	defer span.End()
	logger := storeLogger(ctx, agentID)
	start := time.Now()
	defer func() {
		observability.RecordStoreLoad(fileBackend, time.Since(start))
	}()

	if err := ValidateAgentID(agentID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(fs.historyPath(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Turn{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	turns := []Turn{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry historyEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse history line, skipping")
			continue
		}

		if entry.Turn.Role == "" || entry.Turn.Content == "" {
			logger.Warn().
				Int("line", lineNum).
				Msg("Invalid history entry, skipping")
			continue
		}

		turns = append(turns, entry.Turn)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	turns = tail(turns, limit)

	logger.Debug().
		Int("turns", len(turns)).
		Msg("History loaded")

	return turns, nil
}

// DeleteHistory removes the agent's history file.
func (fs *FileStore) DeleteHistory(ctx context.Context, agentID string) error {
	if err := ValidateAgentID(agentID); err != nil {
		return err
	}

	lock, err := fs.writeLock(agentID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fs.historyPath(agentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete history file: %w", err)
	}

	logger := storeLogger(ctx, agentID)
	logger.Info().Msg("History deleted")
	return nil
}

// ListAgents lists the agents that have a history file.
func (fs *FileStore) ListAgents(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	agents := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		agents = append(agents, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}

	return agents, nil
}

// Close rejects further writes. Writes already holding a lock finish.
func (fs *FileStore) Close() error {
	fs.locksMu.Lock()
	fs.closed = true
	fs.locksMu.Unlock()
	return nil
}

package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/troupe/pkg/session"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	// MaxFileSize is the maximum allowed file size (10MB)
	MaxFileSize = 10 * 1024 * 1024
)

// Loader reads agent definitions from a root directory.
type Loader struct {
	root string
}

// NewLoader creates a loader for root.
func NewLoader(root string) *Loader {
	return &Loader{root: root}
}

// Root returns the agents directory.
func (l *Loader) Root() string {
	return l.root
}

// LoadAll loads every agent directory that has a manifest, sorted by ID.
// Directories without agent.yaml are skipped; a broken definition fails the
// whole load.
func (l *Loader) LoadAll() ([]Definition, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents directory: %w", err)
	}

	defs := []Definition{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		def, err := l.Load(entry.Name())
		if err != nil {
			if errors.Is(err, ErrAgentNotFound) {
				log.Debug().Str("dir", entry.Name()).Msg("Skipping directory without agent manifest")
				continue
			}
			return nil, err
		}
		defs = append(defs, *def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// Load reads one agent definition.
func (l *Loader) Load(id string) (*Definition, error) {
	if err := session.ValidateAgentID(id); err != nil {
		return nil, err
	}

	dir := filepath.Join(l.root, id)
	manifestRaw, err := l.readFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
		return nil, fmt.Errorf("agent %s: failed to read manifest: %w", id, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal([]byte(manifestRaw), &manifest); err != nil {
		return nil, fmt.Errorf("agent %s: failed to parse manifest: %w", id, err)
	}

	persona, err := l.readFile(filepath.Join(dir, PersonaFile))
	if err != nil {
		return nil, fmt.Errorf("agent %s: failed to read persona: %w", id, err)
	}
	if strings.TrimSpace(persona) == "" {
		return nil, fmt.Errorf("agent %s: persona is empty", id)
	}

	notes, err := l.readNotes(id)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(manifest.Name)
	if name == "" {
		name = id
	}

	return &Definition{
		ID:      id,
		Name:    name,
		Model:   strings.TrimSpace(manifest.Model),
		Persona: persona,
		Notes:   notes,
		Dir:     dir,
		Hash:    computeHash(manifestRaw, persona),
	}, nil
}

// NotesLoader returns a function that reads an agent's notes.md on every
// call. A missing file means no notes.
func (l *Loader) NotesLoader() func(ctx context.Context, agentID string) (string, error) {
	return func(ctx context.Context, agentID string) (string, error) {
		if err := session.ValidateAgentID(agentID); err != nil {
			return "", err
		}
		return l.readNotes(agentID)
	}
}

// NotesPath returns the notes file for an agent.
func (l *Loader) NotesPath(agentID string) string {
	return filepath.Join(l.root, agentID, NotesFile)
}

func (l *Loader) readNotes(id string) (string, error) {
	notes, err := l.readFile(l.NotesPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("agent %s: failed to read notes: %w", id, err)
	}
	return notes, nil
}

// readFile reads a file, refusing anything larger than MaxFileSize.
func (l *Loader) readFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > MaxFileSize {
		return "", fmt.Errorf("file size %d exceeds maximum %d", info.Size(), MaxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AgentIDForPath maps a path under the root to the agent directory it
// belongs to.
func (l *Loader) AgentIDForPath(path string) (string, bool) {
	absRoot, err := filepath.Abs(l.root)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}

	id := strings.Split(rel, string(filepath.Separator))[0]
	if session.ValidateAgentID(id) != nil {
		return "", false
	}
	return id, true
}

// computeHash computes SHA-256 hash of content
func computeHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

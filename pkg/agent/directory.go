package agent

import (
	"sync"

	"github.com/harun/troupe/internal/observability"
)

// Directory maps agent IDs to their runners. It is safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	runners map[string]*Runner
	order   []string
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	observability.EnsureRegistered()
	return &Directory{runners: make(map[string]*Runner)}
}

// Get returns the runner registered for id.
func (d *Directory) Get(id string) (*Runner, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.runners[id]
	return r, ok
}

// Register stores runner under id, replacing any earlier registration.
func (d *Directory) Register(id string, runner *Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.runners[id]; !exists {
		d.order = append(d.order, id)
	}
	d.runners[id] = runner
	observability.SetRegisteredRunners(len(d.runners))
}

// IDs returns the registered IDs in the order they were first registered.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

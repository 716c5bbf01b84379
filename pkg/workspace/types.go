// Package workspace loads agent definitions from disk.
//
// Each agent lives in its own directory under the agents root:
//
//	<root>/<id>/agent.yaml   name and model
//	<root>/<id>/persona.md   static persona, required
//	<root>/<id>/notes.md     evolving notes, optional
package workspace

import "errors"

const (
	ManifestFile = "agent.yaml"
	PersonaFile  = "persona.md"
	NotesFile    = "notes.md"
)

// ErrAgentNotFound is returned when an agent directory has no manifest.
var ErrAgentNotFound = errors.New("agent not found")

// Manifest is the content of agent.yaml.
type Manifest struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

// Definition is everything needed to build a runner for one agent.
type Definition struct {
	ID      string
	Name    string
	Model   string
	Persona string
	// Notes is the content of notes.md at load time. Runners read it fresh
	// through Loader.NotesLoader.
	Notes string
	Dir   string
	// Hash covers the manifest and persona, so a reload can skip agents
	// whose definition did not change.
	Hash string
}

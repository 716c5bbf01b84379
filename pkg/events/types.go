package events

// Kind identifies an event variant.
type Kind string

const (
	KindStarted   Kind = "started"
	KindStreaming Kind = "streaming"
	KindCompleted Kind = "completed"
	KindErrored   Kind = "errored"
)

// Kinds returns every event kind in lifecycle order.
func Kinds() []Kind {
	return []Kind{KindStarted, KindStreaming, KindCompleted, KindErrored}
}

// Event is one of Started, Streaming, Completed or Errored. The set is closed;
// consumers switch on the concrete type.
type Event interface {
	Kind() Kind
	Agent() string
	isEvent()
}

// Started is published before the agent process is spawned.
type Started struct {
	AgentID string `json:"agent_id"`
}

// Streaming carries one incremental piece of agent output.
type Streaming struct {
	AgentID string `json:"agent_id"`
	Chunk   string `json:"chunk"`
}

// Completed carries the full text of a successful turn.
type Completed struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
}

// Errored ends a turn that failed, or reports a rejected run.
type Errored struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

func (Started) Kind() Kind   { return KindStarted }
func (Streaming) Kind() Kind { return KindStreaming }
func (Completed) Kind() Kind { return KindCompleted }
func (Errored) Kind() Kind   { return KindErrored }

func (e Started) Agent() string   { return e.AgentID }
func (e Streaming) Agent() string { return e.AgentID }
func (e Completed) Agent() string { return e.AgentID }
func (e Errored) Agent() string   { return e.AgentID }

func (Started) isEvent()   {}
func (Streaming) isEvent() {}
func (Completed) isEvent() {}
func (Errored) isEvent()   {}

// Terminal reports whether ev ends an invocation.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Completed, Errored:
		return true
	default:
		return false
	}
}

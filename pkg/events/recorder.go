package events

import "sync"

// Recorder captures every event it handles. Tests and the CLI use it to
// inspect a run after the fact.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// HandleEvent implements Handler.
func (r *Recorder) HandleEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Publish implements Publisher, so a Recorder can stand in for a dispatcher.
func (r *Recorder) Publish(ev Event) {
	r.HandleEvent(ev)
}

// Attach subscribes the recorder to every kind on d.
func (r *Recorder) Attach(d *Dispatcher) func() {
	return d.SubscribeAll(r.HandleEvent)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForAgent returns the recorded events for one agent, in order.
func (r *Recorder) ForAgent(agentID string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Agent() == agentID {
			out = append(out, ev)
		}
	}
	return out
}

// Kinds returns the kinds of the recorded events for one agent.
func (r *Recorder) Kinds(agentID string) []Kind {
	var out []Kind
	for _, ev := range r.ForAgent(agentID) {
		out = append(out, ev.Kind())
	}
	return out
}

// Chunks returns the streamed chunks for one agent.
func (r *Recorder) Chunks(agentID string) []string {
	var out []string
	for _, ev := range r.ForAgent(agentID) {
		if s, ok := ev.(Streaming); ok {
			out = append(out, s.Chunk)
		}
	}
	return out
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

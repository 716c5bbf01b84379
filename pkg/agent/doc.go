// Package agent runs turns for named agents against the external model process.
//
// Invariants:
// - A Runner executes at most one turn at a time; a concurrent Run publishes
//   an Errored event and returns without touching history.
// - History is loaded fresh from the store on every run.
// - The user turn is persisted before the process starts; the assistant turn
//   only after it completes.
// - Store failures are returned to the caller. Process failures are events.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		ID:        "reviewer",
//		Persona:   "You review Go code.",
//		Model:     "sonnet",
//		Store:     store,
//		Publisher: dispatcher,
//		Invoke:    process.NewSession(process.Config{}).Invoke,
//	})
//	dir := agent.NewDirectory()
//	dir.Register("reviewer", runner)
//	_ = runner.Run(ctx, "look at main.go")
package agent

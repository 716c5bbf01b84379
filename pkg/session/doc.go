// Package session persists per-agent conversation turns.
//
// Invariants:
// - Agent IDs are validated and path-safe.
// - History is append-only and ordered; stores never rewrite past turns.
// - Appends for the same agent are serialized; different agents never share
//   a file or a row set.
// - Append/load operations are observable via tracing and metrics.
//
// Two Store implementations ship: FileStore (one JSONL file per agent) and
// SQLiteStore (one table, keyed by agent).
//
// Usage:
//
//	store, _ := session.NewFileStore("/tmp/troupe/history")
//	_ = store.AppendTurn(ctx, "scribe", session.NewTurn(session.RoleUser, "hello"))
//	turns, _ := store.LoadHistory(ctx, "scribe", 20)
//	_ = turns
package session

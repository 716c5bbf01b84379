// Package events is the in-process notification surface for agent runs.
//
// Invariants:
// - Publish is synchronous: every handler subscribed to the event's kind runs
//   on the publishing goroutine, in subscription order, before Publish returns.
// - The delivery list is fixed when Publish starts; handlers that subscribe or
//   unsubscribe during delivery affect only later publishes.
// - A panicking handler is logged and skipped; remaining handlers still run.
// - For one agent, Started precedes any Streaming, which precedes exactly one
//   Completed or Errored.
//
// Usage:
//
//	d := events.NewDispatcher(logger)
//	stop := d.Subscribe(events.KindStreaming, events.ForAgent("scribe", func(ev events.Event) {
//		fmt.Print(ev.(events.Streaming).Chunk)
//	}))
//	defer stop()
package events

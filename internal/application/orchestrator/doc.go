// Package orchestrator implements the manager agent that owns a MainTask
// for the duration of a run.
//
// The orchestrator:
//   - Initiates a MainTask and embeds it in short-term memory
//   - Plans subtasks through a pluggable Planner
//   - Selects the next runnable group against durably committed state
//   - Executes groups through a pluggable Worker, persisting before and after each subtask
//   - Learns deduplicated rules from completed work and revalidates them
//
// Every mutation is persisted through the StateStore. Callers reload the
// state between steps so each step observes the latest durable state.
package orchestrator

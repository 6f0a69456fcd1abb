// Package domain defines the task graph model shared by the orchestrator,
// its adapters and its API surfaces.
//
// A MainTask is decomposed into an ordered list of SubTasks linked by
// dependency ids. Rules are durable guidelines learned from completed work.
// OrchestratorState is the unit persisted by a state store.
package domain

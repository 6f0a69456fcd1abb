// Package llm provides model-backed Worker and Planner strategies.
//
// The factory creates a Completer based on provider configuration.
// Currently supports:
//   - Anthropic Claude
//
// Worker executes a subtask by prompting the model with the main task,
// the subtask and the outputs of its dependencies. Planner asks the model
// for a step list and falls back to another planner when the answer is
// unusable.
package llm

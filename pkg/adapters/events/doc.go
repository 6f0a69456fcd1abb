// Package events provides event bus implementations for workflow events.
//
// Implementations:
//   - redis: Redis Streams with consumer groups
//   - memory: In-process fan-out for tests and single-process runs
package events

// Package workers implements the subtask execution strategies.
//
// The Pool wraps an inner Worker and:
//   - Bounds the number of concurrent worker calls
//   - Applies a per-call timeout
//   - Retries infrastructure errors with a delay
//
// The health monitor tracks pool occupancy and logs metrics.
package workers

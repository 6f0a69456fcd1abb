// Package workflow drives a MainTask from initiation to a terminal status.
//
// The Driver owns the bounded control loop: plan, schedule, execute,
// reload, retrospect and revalidate, repeated until the MainTask completes,
// fails, is cancelled or the iteration cap is hit. It never returns an
// error; every failure is reported through the RunResult.
package workflow

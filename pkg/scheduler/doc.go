// Package scheduler is the leader's control loop. It matches queued jobs to
// resource offers, launches them on the runner, applies the runner's phase
// reports through the state machine, feeds trigger events, and periodically
// syncs executions the runner no longer holds.
//
// Every state change goes through the state machine's compare-and-set
// transitions, so a scheduler that lost leadership mid-cycle can only lose
// races, never overwrite a newer decision.
package scheduler

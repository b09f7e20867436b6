// Package statemachine owns every job status change.
//
// Allowed edges live in a fixed table; each write is a compare-and-set on
// the job's current status, so two racing writers cannot both win. A failed
// execution is re-queued through the FAILED to QUEUED edge when the job has
// tries left and its error category permits a retry.
package statemachine

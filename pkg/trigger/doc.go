// Package trigger turns events into work.
//
// An Event records an occurrence: a file was ingested, a job of some type
// completed, a cron schedule came due. Each active TriggerRule whose
// condition matches the event spawns exactly one recipe or standalone job
// bound to the event. Firings are recorded per (event, rule) in the same
// transaction as the spawn, and events are keyed by their external key, so
// a re-delivered event never spawns twice.
//
// Rules are versioned: UpdateRule archives the current rule and creates the
// next version under the same name.
package trigger

// Package schedule computes the fire times of CRON trigger rules.
//
// Rules store their expression as text; the trigger engine's cron source
// parses it with Parse and replays missed fire times with Due.
package schedule

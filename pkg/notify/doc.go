// Package notify fans engine notices out to subscribers and hooks, and tracks
// the cancel functions of executions running in this process.
package notify

// Package registry publishes job types and recipe types.
//
// A published job type keeps its resource, priority, timeout and retry
// settings for life. Changing its interface appends a new immutable revision
// and notifies revision observers, which supersede work bound to older
// revisions. Recipe types are revised the same way when their definition
// changes.
package registry

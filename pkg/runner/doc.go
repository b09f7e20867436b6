// Package runner executes jobs in three phases: pre stages the job's input
// files into a work directory, main runs the job's command through a
// Driver, and post uploads the declared outputs to their workspaces and
// registers them as files.
//
// Each execution runs on its own goroutine. Phase starts, phase ends and
// the final outcome are delivered as Reports on a channel; the runner never
// changes job state itself. A failing phase stops the execution and the
// earliest failure is the one reported.
package runner

// Package matcher pairs queued jobs with resource offers.
//
// Matching is pure: it reads a snapshot of queued jobs and offers and returns
// assignments. Claiming a job is left to the state machine, so an assignment
// may still lose its compare-and-set and hand its capacity back.
package matcher

import (
	"context"
	"sort"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// Offer is free capacity on one node.
type Offer struct {
	ID        string
	NodeID    string
	Hostname  string
	Resources core.Resources
}

// Assignment places a job on an offer.
type Assignment struct {
	Job   *core.Job
	Offer Offer
}

// Result is the outcome of one matching cycle.
type Result struct {
	Assignments []Assignment
	// Remaining is each offer's capacity left after the assignments.
	Remaining []Offer
	// Unmatched lists jobs no offer could hold this cycle.
	Unmatched []*core.Job
}

// ResourceManager is the offer protocol with the cluster.
type ResourceManager interface {
	// Offers returns the current free capacity per node.
	Offers(ctx context.Context) ([]Offer, error)
	// Accept reserves res out of offer for a task.
	Accept(ctx context.Context, offer Offer, taskID string, res core.Resources) error
	// Decline returns an unused offer.
	Decline(ctx context.Context, offer Offer) error
	// Release frees what a task reserved.
	Release(ctx context.Context, taskID string) error
}

// Less orders jobs for matching: highest priority, then earliest queued,
// then lowest id.
func Less(a, b *core.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	switch {
	case a.Queued == nil && b.Queued != nil:
		return false
	case a.Queued != nil && b.Queued == nil:
		return true
	case a.Queued != nil && b.Queued != nil && !a.Queued.Equal(*b.Queued):
		return a.Queued.Before(*b.Queued)
	}
	return a.ID < b.ID
}

// Match assigns jobs to offers. A job is eligible for an offer iff every
// requirement fits the offer's remaining capacity; among eligible offers the
// one left with the least spare capacity wins. Offers are never
// over-committed.
func Match(jobs []*core.Job, offers []Offer) Result {
	ordered := make([]*core.Job, len(jobs))
	copy(ordered, jobs)
	sort.SliceStable(ordered, func(i, j int) bool { return Less(ordered[i], ordered[j]) })

	remaining := make([]Offer, len(offers))
	copy(remaining, offers)

	var res Result
	for _, job := range ordered {
		need := job.Resources()
		best := -1
		for i := range remaining {
			if !need.Fits(remaining[i].Resources) {
				continue
			}
			if best == -1 || tighter(remaining[i].Resources.Sub(need), remaining[best].Resources.Sub(need)) {
				best = i
			}
		}
		if best == -1 {
			res.Unmatched = append(res.Unmatched, job)
			continue
		}

		taken := remaining[best]
		taken.Resources = need
		res.Assignments = append(res.Assignments, Assignment{Job: job, Offer: taken})
		remaining[best].Resources = remaining[best].Resources.Sub(need)
	}
	res.Remaining = remaining
	return res
}

// tighter reports whether leftover a is a closer fit than b, comparing cpu,
// then memory, then disk.
func tighter(a, b core.Resources) bool {
	if a.CPUs != b.CPUs {
		return a.CPUs < b.CPUs
	}
	if a.Mem != b.Mem {
		return a.Mem < b.Mem
	}
	return a.Disk < b.Disk
}

// FilterPaused splits offers into those from usable nodes and those from
// paused nodes, which must be declined.
func FilterPaused(offers []Offer, paused map[string]bool) (usable, declined []Offer) {
	for _, o := range offers {
		if paused[o.NodeID] {
			declined = append(declined, o)
			continue
		}
		usable = append(usable, o)
	}
	return usable, declined
}

// Package supersede replaces work bound to outdated job type and recipe
// type revisions.
//
// When a job type or recipe type is revised, every instance bound to an
// older revision that has not completed is replaced by an instance bound to
// the new revision with the same inputs. Jobs that have not run to an end
// are superseded; failed and canceled jobs keep their status and are only
// annotated; completed jobs are never altered. A running job is flagged and
// handled once its execution ends.
//
// Reprocess supersedes existing recipes of a type on request, as described
// by a BatchDefinition.
package supersede

// Package stats keeps per-job-type throughput and queue depth, bucketed by
// minute.
package stats

import (
	"context"
	"time"
)

// JobTypeStat is one minute of activity for a job type.
type JobTypeStat struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	JobTypeID uint      `gorm:"index:idx_job_type_stats_type_ts;not null" json:"job_type_id"`
	Timestamp time.Time `gorm:"index:idx_job_type_stats_type_ts;not null" json:"timestamp"`
	Queued    int64     `gorm:"default:0" json:"queued"`
	Running   int64     `gorm:"default:0" json:"running"`
	Completed int64     `gorm:"default:0" json:"completed"`
	Failed    int64     `gorm:"default:0" json:"failed"`
	Retried   int64     `gorm:"default:0" json:"retried"`
	Canceled  int64     `gorm:"default:0" json:"canceled"`
}

// Counters are the event-driven columns of a JobTypeStat.
type Counters struct {
	Completed int64
	Failed    int64
	Retried   int64
	Canceled  int64
}

// Zero reports whether nothing was counted.
func (c Counters) Zero() bool {
	return c == Counters{}
}

// Depth is the number of queued and running jobs of one job type.
type Depth struct {
	Queued  int64
	Running int64
}

// Store persists stats.
type Store interface {
	Migrate(ctx context.Context) error
	AddCounters(ctx context.Context, jobTypeID uint, ts time.Time, c Counters) error
	SetDepth(ctx context.Context, jobTypeID uint, ts time.Time, d Depth) error
	// CurrentDepth counts queued and running jobs grouped by job type.
	CurrentDepth(ctx context.Context) (map[uint]Depth, error)
	// History returns rows in timestamp order. A zero jobTypeID selects
	// every job type; zero times leave that end open.
	History(ctx context.Context, jobTypeID uint, since, until time.Time) ([]JobTypeStat, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

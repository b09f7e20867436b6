package stats

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// GormStore implements Store on the engine database.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a GORM-backed stats store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the stats table.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&JobTypeStat{})
}

// row returns the bucket for (jobTypeID, ts), or nil when there is none.
func (s *GormStore) row(ctx context.Context, jobTypeID uint, ts time.Time) (*JobTypeStat, error) {
	var existing JobTypeStat
	err := s.db.WithContext(ctx).
		Where("job_type_id = ? AND timestamp = ?", jobTypeID, ts).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// AddCounters increments the bucket's counters, creating it if needed.
func (s *GormStore) AddCounters(ctx context.Context, jobTypeID uint, ts time.Time, c Counters) error {
	ts = ts.Truncate(time.Minute)
	existing, err := s.row(ctx, jobTypeID, ts)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.db.WithContext(ctx).Create(&JobTypeStat{
			JobTypeID: jobTypeID,
			Timestamp: ts,
			Completed: c.Completed,
			Failed:    c.Failed,
			Retried:   c.Retried,
			Canceled:  c.Canceled,
		}).Error
	}
	return s.db.WithContext(ctx).Model(existing).Updates(map[string]any{
		"completed": gorm.Expr("completed + ?", c.Completed),
		"failed":    gorm.Expr("failed + ?", c.Failed),
		"retried":   gorm.Expr("retried + ?", c.Retried),
		"canceled":  gorm.Expr("canceled + ?", c.Canceled),
	}).Error
}

// SetDepth overwrites the bucket's depth columns and leaves counters alone.
func (s *GormStore) SetDepth(ctx context.Context, jobTypeID uint, ts time.Time, d Depth) error {
	ts = ts.Truncate(time.Minute)
	existing, err := s.row(ctx, jobTypeID, ts)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.db.WithContext(ctx).Create(&JobTypeStat{
			JobTypeID: jobTypeID,
			Timestamp: ts,
			Queued:    d.Queued,
			Running:   d.Running,
		}).Error
	}
	return s.db.WithContext(ctx).Model(existing).Updates(map[string]any{
		"queued":  d.Queued,
		"running": d.Running,
	}).Error
}

// CurrentDepth counts queued and running jobs grouped by job type.
func (s *GormStore) CurrentDepth(ctx context.Context) (map[uint]Depth, error) {
	var rows []struct {
		JobTypeID uint
		Status    core.JobStatus
		N         int64
	}
	err := s.db.WithContext(ctx).Model(&core.Job{}).
		Select("job_type_id, status, COUNT(*) AS n").
		Where("status IN ?", []core.JobStatus{core.StatusQueued, core.StatusRunning}).
		Group("job_type_id, status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[uint]Depth)
	for _, r := range rows {
		d := out[r.JobTypeID]
		switch r.Status {
		case core.StatusQueued:
			d.Queued = r.N
		case core.StatusRunning:
			d.Running = r.N
		}
		out[r.JobTypeID] = d
	}
	return out, nil
}

// History returns stats rows in timestamp order.
func (s *GormStore) History(ctx context.Context, jobTypeID uint, since, until time.Time) ([]JobTypeStat, error) {
	var out []JobTypeStat
	q := s.db.WithContext(ctx).Order("timestamp ASC, job_type_id ASC")
	if jobTypeID != 0 {
		q = q.Where("job_type_id = ?", jobTypeID)
	}
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since)
	}
	if !until.IsZero() {
		q = q.Where("timestamp <= ?", until)
	}
	return out, q.Find(&out).Error
}

// Prune deletes rows older than before.
func (s *GormStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", before).Delete(&JobTypeStat{})
	return res.RowsAffected, res.Error
}

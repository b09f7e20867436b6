package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule determines when a recurring rule fires next.
type Schedule interface {
	// Next returns the first fire time strictly after from.
	Next(from time.Time) time.Time
	String() string
}

// Five fields plus descriptors such as "@hourly" and "@every 10s". A
// leading "CRON_TZ=<zone>" selects the zone the fields are read in.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type cronSchedule struct {
	expr     string
	schedule cron.Schedule
}

// Parse builds a schedule from a cron expression.
func Parse(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &cronSchedule{expr: expr, schedule: s}, nil
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

func (s *cronSchedule) String() string { return s.expr }

// Due returns every fire time in (after, until], capped at limit.
func Due(s Schedule, after, until time.Time, limit int) []time.Time {
	var out []time.Time
	for next := s.Next(after); !next.After(until) && len(out) < limit; next = s.Next(next) {
		out = append(out, next)
	}
	return out
}

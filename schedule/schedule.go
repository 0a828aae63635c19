package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/kbukum/flowkit/errors"
)

// maxCatchupIntervals bounds how many missed intervals a single sweep will
// materialize, so a DAG paused for months cannot flood the store in one tick.
const maxCatchupIntervals = 1000

// Spec is a parsed schedule expression.
type Spec struct {
	expr  string
	sched cron.Schedule
}

// Parse parses a cron expression or "@every <duration>" descriptor.
func Parse(expr string) (*Spec, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, apperrors.InvalidInput("schedule", err.Error()).WithCause(err)
	}
	return &Spec{expr: expr, sched: sched}, nil
}

// String returns the original expression.
func (s *Spec) String() string { return s.expr }

// Next returns the first activation strictly after t.
func (s *Spec) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

// DueTimes returns the logical dates that have come due in (watermark, now].
// With catchup enabled every missed interval is returned oldest first; with
// catchup disabled only the most recent due interval is returned, skipping
// the backlog entirely.
func (s *Spec) DueTimes(watermark, now time.Time, catchup bool) []time.Time {
	var due []time.Time
	for t := s.Next(watermark); !t.After(now); t = s.Next(t) {
		due = append(due, t)
		if len(due) >= maxCatchupIntervals {
			break
		}
	}
	if !catchup && len(due) > 1 {
		due = due[len(due)-1:]
	}
	return due
}

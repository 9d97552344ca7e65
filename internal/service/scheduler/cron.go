// Package scheduler materializes recurring crawl schedules into
// one-shot jobs, timezone-correctly, with at-most-one materialization
// per (schedule, next_run_time) tick.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seekerhq/crawld/internal/domain"
)

// cronParser accepts 5-field POSIX expressions plus an optional leading
// seconds field, with ranges, lists, steps, and month/day aliases.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, domain.E("scheduler.parse_cron", domain.ErrInvalidArgument, err.Error())
	}
	return sched, nil
}

// NextRun computes the smallest instant t' > from such that t'
// expressed in the named IANA zone satisfies expr.
func NextRun(expr, timezone string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, domain.E("scheduler.next_run", domain.ErrInvalidArgument, "unknown timezone "+timezone)
	}
	return sched.Next(from.In(loc)), nil
}

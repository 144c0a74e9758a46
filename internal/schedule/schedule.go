// Package schedule drives recurring background jobs: a fixed-interval or
// cron-expression schedule submitting turns to the job manager and
// collecting their completions.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Spec is a validated schedule: either a fixed interval or a cron
// expression.
type Spec struct {
	Kind     string
	Every    time.Duration
	CronExpr string
	Timezone string
}

// ParseSpec validates a schedule. Exactly one of every/cronExpr must be
// set.
func ParseSpec(every time.Duration, cronExpr, timezone string) (Spec, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	switch {
	case every > 0 && cronExpr != "":
		return Spec{}, fmt.Errorf("interval and cron expression are mutually exclusive")
	case every > 0:
		return Spec{Kind: "every", Every: every}, nil
	case cronExpr != "":
		if _, err := cronParser.Parse(cronExpr); err != nil {
			return Spec{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		return Spec{Kind: "cron", CronExpr: cronExpr, Timezone: strings.TrimSpace(timezone)}, nil
	default:
		return Spec{}, fmt.Errorf("schedule is required")
	}
}

// Next returns the next firing after now.
func (s Spec) Next(now time.Time) (time.Time, error) {
	switch s.Kind {
	case "every":
		return now.Add(s.Every), nil
	case "cron":
		parsed, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression: %w", err)
		}
		loc := now.Location()
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		return parsed.Next(now.In(loc)), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

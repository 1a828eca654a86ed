package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"goa.design/flow/runtime/workflow"
)

// parser accepts standard 5-field cron expressions (minute, hour, day of
// month, month, day of week).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronFromSettings resolves a trigger's schedule settings into a 5-field cron
// expression. High-level modes are converted; explicit expressions are
// validated as-is.
func CronFromSettings(s *workflow.ScheduleSettings) (string, error) {
	switch s.Mode {
	case "", "cron":
		if s.CronExpression == "" {
			return "", fmt.Errorf("%w: expression is empty", ErrInvalidCron)
		}
		if err := ValidateCron(s.CronExpression, s.Timezone); err != nil {
			return "", err
		}
		return s.CronExpression, nil
	case "simple":
		expr, err := simpleInterval(s.Interval)
		if err != nil {
			return "", err
		}
		return expr, nil
	case "datetime":
		t, err := time.Parse(time.RFC3339, s.Datetime)
		if err != nil {
			return "", fmt.Errorf("%w: datetime %q: %v", ErrInvalidCron, s.Datetime, err)
		}
		if loc, err := location(s.Timezone); err == nil {
			t = t.In(loc)
		}
		return fmt.Sprintf("%d %d %d %d *", t.Minute(), t.Hour(), t.Day(), int(t.Month())), nil
	default:
		return "", fmt.Errorf("%w: unknown schedule mode %q", ErrInvalidCron, s.Mode)
	}
}

func simpleInterval(interval string) (string, error) {
	switch interval {
	case "minute":
		return "* * * * *", nil
	case "hour":
		return "0 * * * *", nil
	case "day":
		return "0 0 * * *", nil
	case "week":
		return "0 0 * * 0", nil
	default:
		return "", fmt.Errorf("%w: unknown interval %q", ErrInvalidCron, interval)
	}
}

// ValidateCron checks the expression parses and the timezone resolves.
func ValidateCron(expr, timezone string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	if _, err := location(timezone); err != nil {
		return fmt.Errorf("%w: timezone %q", ErrInvalidCron, timezone)
	}
	return nil
}

// NextRun computes the next fire time of the expression after from, in the
// job's timezone.
func NextRun(expr, timezone string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	loc, err := location(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timezone %q", ErrInvalidCron, timezone)
	}
	return sched.Next(from.In(loc)), nil
}

func location(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(timezone)
}

package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the next run of a recurring job strictly after from.
type Schedule interface {
	Next(from time.Time) time.Time
}

type interval time.Duration

// Every runs at a fixed interval from the previous run.
func Every(d time.Duration) Schedule { return interval(d) }

func (d interval) Next(from time.Time) time.Time { return from.Add(time.Duration(d)) }

func (d interval) String() string { return "@every " + time.Duration(d).String() }

// wallClock fires at hour:minute in loc, every day or on one weekday.
type wallClock struct {
	hour, minute int
	weekday      time.Weekday
	weekly       bool
	loc          *time.Location
}

// Daily runs at hour:minute UTC every day.
func Daily(hour, minute int) Schedule { return DailyIn(hour, minute, time.UTC) }

// DailyIn runs at hour:minute in loc every day. A nil loc means UTC.
func DailyIn(hour, minute int, loc *time.Location) Schedule {
	return wallClock{hour: hour, minute: minute, loc: orUTC(loc)}
}

// Weekly runs at hour:minute UTC on day.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return WeeklyIn(day, hour, minute, time.UTC)
}

// WeeklyIn runs at hour:minute in loc on day. A nil loc means UTC.
func WeeklyIn(day time.Weekday, hour, minute int, loc *time.Location) Schedule {
	return wallClock{hour: hour, minute: minute, weekday: day, weekly: true, loc: orUTC(loc)}
}

func (w wallClock) Next(from time.Time) time.Time {
	from = from.In(w.loc)
	ahead := 0
	if w.weekly {
		ahead = (int(w.weekday) - int(from.Weekday()) + 7) % 7
	}
	next := time.Date(from.Year(), from.Month(), from.Day()+ahead, w.hour, w.minute, 0, 0, w.loc)
	if !next.After(from) {
		if w.weekly {
			return next.AddDate(0, 0, 7)
		}
		return next.AddDate(0, 0, 1)
	}
	return next
}

// String renders the equivalent cron expression.
func (w wallClock) String() string {
	dow := "*"
	if w.weekly {
		dow = fmt.Sprint(int(w.weekday))
	}
	expr := fmt.Sprintf("%d %d * * %s", w.minute, w.hour, dow)
	if w.loc != time.UTC {
		expr = "CRON_TZ=" + w.loc.String() + " " + expr
	}
	return expr
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

type expression struct {
	expr  string
	sched cron.Schedule
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse reads a five-field cron expression or a descriptor such as "@daily"
// or "@every 15m". A leading "CRON_TZ=<zone> " evaluates it in that zone.
func Parse(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return expression{expr: expr, sched: s}, nil
}

// Cron is Parse for literals. It panics on an invalid expression.
func Cron(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err.Error())
	}
	return s
}

func (e expression) Next(from time.Time) time.Time { return e.sched.Next(from) }

func (e expression) String() string { return e.expr }

// Upcoming returns the next n run times after from.
func Upcoming(s Schedule, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for range n {
		from = s.Next(from)
		out = append(out, from)
	}
	return out
}

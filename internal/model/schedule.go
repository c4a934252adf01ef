package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrSchedule is returned for a service.schedule which can't drive timer mode.
	ErrSchedule = errors.New("invalid schedule")
	// ErrDuration is returned for a malformed ISO-8601 schedule duration.
	ErrDuration = errors.New("invalid ISO-8601 duration")
)

// cron lines have five fields, @hourly and @every 5m style descriptors are
// accepted as well
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Interval validates the schedule and returns the time between two
// consecutive scans.
func (t TimerSchedule) Interval() (time.Duration, error) {
	switch {
	case t.Cron != "" && t.Duration != "":
		return 0, fmt.Errorf("%w: cron and duration are mutually exclusive", ErrSchedule)
	case t.Cron != "":
		return CronInterval(t.Cron, time.Now())
	case t.Duration != "":
		return ScheduleDuration(t.Duration)
	}
	return 0, fmt.Errorf("%w: cron or duration is required", ErrSchedule)
}

// CronInterval returns the distance between the first two runs of expr
// after now.
func CronInterval(expr string, now time.Time) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("%w: empty cron expression", ErrSchedule)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("%w: cron %q: %w", ErrSchedule, expr, err)
	}
	first := sched.Next(now)
	return sched.Next(first).Sub(first), nil
}

type designator struct {
	symbol   byte
	unit     time.Duration
	fraction bool
}

var (
	dateDesignators = []designator{{'D', 24 * time.Hour, false}}
	timeDesignators = []designator{
		{'H', time.Hour, false},
		{'M', time.Minute, false},
		{'S', time.Second, true},
	}
)

// ScheduleDuration parses the day and time designators of an ISO-8601
// duration such as P1D, PT6H or P1DT12H30M. Only seconds may carry a
// fraction. Years, months and weeks have no fixed length and are rejected.
func ScheduleDuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, fmt.Errorf("%w: %q", ErrDuration, s)
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if hasT && clock == "" {
		return 0, fmt.Errorf("%w: %q has no time designators after T", ErrDuration, s)
	}

	days, err := sumDesignators(date, dateDesignators)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrDuration, s, err)
	}
	hms, err := sumDesignators(clock, timeDesignators)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrDuration, s, err)
	}
	if days > math.MaxInt64-hms {
		return 0, fmt.Errorf("%w: %q overflows", ErrDuration, s)
	}
	if d := days + hms; d > 0 {
		return d, nil
	}
	return 0, fmt.Errorf("%w: %q is not positive", ErrDuration, s)
}

// sumDesignators reads "<number><symbol>" pairs. Symbols must follow the
// order of ds and appear at most once.
func sumDesignators(part string, ds []designator) (time.Duration, error) {
	var total time.Duration
	next := 0
	for part != "" {
		i := strings.IndexFunc(part, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != ','
		})
		if i <= 0 {
			return 0, fmt.Errorf("expected a number followed by a designator in %q", part)
		}
		amount, symbol := part[:i], part[i]
		part = part[i+1:]

		for next < len(ds) && ds[next].symbol != symbol {
			next++
		}
		if next == len(ds) {
			return 0, fmt.Errorf("unexpected designator %c", symbol)
		}
		d := ds[next]
		next++

		v, err := parseAmount(amount, d.fraction)
		if err != nil {
			return 0, err
		}
		add := v * float64(d.unit)
		if add >= float64(math.MaxInt64-total) {
			return 0, errors.New("overflow")
		}
		total += time.Duration(add)
	}
	return total, nil
}

func parseAmount(s string, fraction bool) (float64, error) {
	if strings.ContainsAny(s, ".,") && !fraction {
		return 0, fmt.Errorf("fraction not allowed in %q", s)
	}
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", s, err)
	}
	return v, nil
}

package scheduler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
)

var intervalUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
}

// ParseInterval parses "<int><unit>" such as "30m", "90s" or "2 hours".
// The amount must be positive and the unit is required.
func ParseInterval(s string) (time.Duration, error) {
	v := strings.ToLower(unquote(s))

	i := 0
	for i < len(v) && v[i] >= '0' && v[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("%w: interval %q must start with a number", models.ErrConfigParse, s)
	}

	n, err := strconv.ParseInt(v[:i], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: interval %q must be a positive number", models.ErrConfigParse, s)
	}

	unit, ok := intervalUnits[strings.TrimSpace(v[i:])]
	if !ok {
		return 0, fmt.Errorf("%w: interval %q needs a unit of s, m or h", models.ErrConfigParse, s)
	}

	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: interval %q is too long", models.ErrConfigParse, s)
	}

	return time.Duration(n) * unit, nil
}

// ParseTimeOfDay parses "HH:MM:SS" on a 24-hour clock. Surrounding quotes,
// which YAML editors tend to leave in, are ignored.
func ParseTimeOfDay(s string) (models.TimeOfDay, error) {
	t, err := time.Parse("15:04:05", unquote(s))
	if err != nil {
		return models.TimeOfDay{}, fmt.Errorf("%w: time of day %q: %w", models.ErrConfigParse, s, err)
	}
	return models.TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
}

// ParseSpec parses the schedule string of a job kind.
func ParseSpec(kind models.JobKind, s string) (models.ScheduleSpec, error) {
	if kind == models.Daily {
		at, err := ParseTimeOfDay(s)
		if err != nil {
			return models.ScheduleSpec{}, err
		}
		return models.ScheduleSpec{DailyAt: &at}, nil
	}

	d, err := ParseInterval(s)
	if err != nil {
		return models.ScheduleSpec{}, err
	}
	return models.ScheduleSpec{Interval: d}, nil
}

func unquote(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(strings.TrimSpace(s), `"`, ""))
}

// NextDaily returns the first instant not before now at which the wall clock
// in now's location reads at. Calendar arithmetic keeps the result on the
// configured time across DST changes.
func NextDaily(now time.Time, at models.TimeOfDay) time.Time {
	y, m, d := now.Date()
	next := time.Date(y, m, d, at.Hour, at.Minute, at.Second, 0, now.Location())
	if next.Before(now) {
		next = time.Date(y, m, d+1, at.Hour, at.Minute, at.Second, 0, now.Location())
	}
	return next
}

// formatDelay renders d as "XhYmZs".
func formatDelay(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%dh %dm %ds", secs/3600, secs%3600/60, secs%60)
}

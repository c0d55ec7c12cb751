package models

import (
	"fmt"
	"strings"
	"time"
)

// JobKind selects which schedule and which destination settings a run uses.
type JobKind int

const (
	// Periodic runs on a fixed interval.
	Periodic JobKind = iota
	// Daily runs once a day at a wall-clock time.
	Daily
)

// JobKinds lists every job kind.
var JobKinds = []JobKind{Periodic, Daily}

func (k JobKind) String() string {
	switch k {
	case Periodic:
		return "periodic"
	case Daily:
		return "daily"
	default:
		return fmt.Sprintf("JobKind(%d)", int(k))
	}
}

// ParseJobKind parses a job kind argument. "hourly" is accepted as an alias
// for periodic.
func ParseJobKind(s string) (JobKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "periodic", "hourly":
		return Periodic, nil
	case "daily":
		return Daily, nil
	default:
		return 0, fmt.Errorf("unknown job kind %q", s)
	}
}

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// ScheduleSpec is either an interval or a daily time of day.
type ScheduleSpec struct {
	Interval time.Duration // set for periodic jobs
	DailyAt  *TimeOfDay    // set for daily jobs
}

// IsDaily reports whether the schedule fires at a time of day.
func (s ScheduleSpec) IsDaily() bool {
	return s.DailyAt != nil
}

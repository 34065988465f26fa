package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[1]) != 2 || parts[0] == "" || len(parts[0]) > 2 ||
		!allDigits(parts[0]) || !allDigits(parts[1]) {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: invalid hour in %q", ErrInvalidTimeFormat, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: invalid minute in %q", ErrInvalidTimeFormat, s)
	}
	return h, m, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// nextFire returns the first HH:MM:00 strictly after now in loc. A request
// made during the target minute itself resolves to the next day.
func nextFire(hour, minute int, now time.Time, loc *time.Location) (time.Time, error) {
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no next occurrence for %02d:%02d", hour, minute)
	}
	return next, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

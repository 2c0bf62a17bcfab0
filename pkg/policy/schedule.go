package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"sentinel/pkg/storage"
)

// parseTimeToMinutes converts "HH:MM" to minutes since midnight, validating
// the 00:00..23:59 range.
func parseTimeToMinutes(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("bad time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("bad time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return h*60 + m, nil
}

// scheduleActiveNow reports whether the window covers "now" in local time.
// A window whose start is after its end wraps midnight.
func scheduleActiveNow(s storage.Schedule, now time.Time) bool {
	if !s.Active {
		return false
	}

	startMin, err := parseTimeToMinutes(s.StartTime)
	if err != nil {
		return false
	}
	endMin, err := parseTimeToMinutes(s.EndTime)
	if err != nil {
		return false
	}

	day := now.Weekday().String()[:3]
	inDays := false
	for _, d := range s.Days {
		if strings.EqualFold(d, day) {
			inDays = true
			break
		}
	}
	if !inDays {
		return false
	}

	nowMin := now.Hour()*60 + now.Minute()
	if startMin > endMin {
		return nowMin >= startMin || nowMin < endMin
	}
	return nowMin >= startMin && nowMin < endMin
}

package opt

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	h, errH := strconv.Atoi(hh)
	m, errM := strconv.Atoi(mm)
	if !ok || errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock must be HH:MM, got %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// FormatClock renders minutes since midnight of the start day as HH:MM, with a
// +Nd suffix once the clock passes midnight.
func FormatClock(minutes float64) string {
	total := int(math.Round(minutes))
	days, rem := total/(24*60), total%(24*60)
	s := fmt.Sprintf("%02d:%02d", rem/60, rem%60)
	if days > 0 {
		s += fmt.Sprintf("+%dd", days)
	}
	return s
}

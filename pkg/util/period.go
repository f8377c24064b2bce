package util

import (
	"fmt"
	"strconv"
	"strings"
)

var periodUnits = []struct {
	suffix  string
	seconds int64
}{
	{"w", 7 * 24 * 3600},
	{"d", 24 * 3600},
	{"h", 3600},
	{"m", 60},
	{"s", 1},
}

// ParsePeriod converts "30s", "5m", "4h", "1d" or "1w" into seconds. A bare
// integer is taken as seconds.
func ParsePeriod(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty period")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("period must be positive: %q", s)
		}
		return n, nil
	}
	for _, u := range periodUnits {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(s, u.suffix), 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid period %q", s)
		}
		return n * u.seconds, nil
	}
	return 0, fmt.Errorf("invalid period %q", s)
}

// FormatPeriod renders seconds with the largest unit that divides them.
func FormatPeriod(seconds int64) string {
	if seconds <= 0 {
		return strconv.FormatInt(seconds, 10) + "s"
	}
	for _, u := range periodUnits {
		if seconds%u.seconds == 0 {
			return strconv.FormatInt(seconds/u.seconds, 10) + u.suffix
		}
	}
	return strconv.FormatInt(seconds, 10) + "s"
}

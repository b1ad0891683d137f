package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidWindow is returned for window strings that are neither Nd nor a Go duration.
var ErrInvalidWindow = errors.New("invalid window")

// ParseWindow accepts 1h, 24h, 7d, 30d, 90d and any positive Go duration. Empty means all time.
func ParseWindow(raw string) (time.Duration, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" || value == "all" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidWindow, raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindow, raw)
	}
	return d, nil
}

// FormatWindow renders a window the way ParseWindow accepts it.
func FormatWindow(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	day := 24 * time.Hour
	if d%day == 0 {
		return strconv.Itoa(int(d/day)) + "d"
	}
	if d%time.Hour == 0 {
		return strconv.Itoa(int(d/time.Hour)) + "h"
	}
	return d.String()
}

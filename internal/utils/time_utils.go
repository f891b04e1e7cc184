package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

var units = []struct {
	suffix string
	unit   time.Duration
}{
	// longest suffix first so "ms" is not read as minutes
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime converts config durations such as "5s", "2m", "500ms" or
// "1d". Invalid input is logged and yields 0.
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	for _, u := range units {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			break
		}
		return time.Duration(number) * u.unit
	}
	if d, err := time.ParseDuration(timeString); err == nil {
		return d
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}

// ParseStringTimeOr is ParseStringTime with a fallback for empty or invalid values.
func ParseStringTimeOr(timeString string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(timeString) == "" {
		return fallback
	}
	if d := ParseStringTime(timeString); d > 0 {
		return d
	}
	return fallback
}

// Timestamp formats t the way relay envelopes carry it.
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/logger"
)

// unitSuffixes maps the single-letter duration suffixes recognized in
// config.json time fields (spec §6: "durations are encoded as strings
// ... and parsed with ParseStringTime") to their time.Duration unit.
var unitSuffixes = []struct {
	suffix string
	unit   time.Duration
}{
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime parses a "<number><unit>" duration string such as "30s",
// "15m" or "2d". An unrecognized suffix or non-numeric prefix logs the
// failure and returns 0.
func ParseStringTime(timeString string) time.Duration {
	lower := strings.ToLower(timeString)
	for _, u := range unitSuffixes {
		cut, ok := strings.CutSuffix(lower, u.suffix)
		if !ok {
			continue
		}
		number, err := strconv.Atoi(cut)
		if err != nil {
			logger.ErrorF("error parsing time string %q: %v", timeString, err)
			return 0
		}
		return time.Duration(number) * u.unit
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}

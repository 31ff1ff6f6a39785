package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/logger"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	// ms 必须排在 m 和 s 之前
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime 解析形如 500ms、10s、20m、48h、2d 的时间字符串, 解析失败返回 0
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string %q: %s", timeString, err.Error())
			return 0
		}
		return time.Duration(number) * u.unit
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}

// ParseStringTimeOr 与 ParseStringTime 相同, 但空串或解析失败时返回 def
func ParseStringTimeOr(timeString string, def time.Duration) time.Duration {
	if strings.TrimSpace(timeString) == "" {
		return def
	}
	if d := ParseStringTime(timeString); d > 0 {
		return d
	}
	return def
}

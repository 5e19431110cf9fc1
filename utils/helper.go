package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString returns the trimmed env value or def when unset/blank.
func EnvString(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// ParseDateOnly parses a YYYY-MM-DD calendar date.
func ParseDateOnly(value string) (time.Time, error) {
	return time.Parse("2006-01-02", strings.TrimSpace(value))
}

// FormatDateOnly renders a time as its YYYY-MM-DD calendar date.
func FormatDateOnly(t time.Time) string {
	return t.Format("2006-01-02")
}

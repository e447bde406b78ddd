package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ConfigBackend abstracts platform-specific config storage.
// macOS uses UserDefaults (via `defaults` CLI), other platforms a JSON file.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetDuration(key string) (val time.Duration, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetDuration(key string, val time.Duration) error
	Delete(key string) error
}

// parseDuration accepts Go duration syntax ("45s", "2m") or a bare number of
// seconds.
func parseDuration(key, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return secondsDuration(key, secs)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

func secondsDuration(key string, secs float64) (time.Duration, error) {
	if secs < 0 || secs > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("duration %v for %s is out of range", secs, key)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

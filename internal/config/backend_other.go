//go:build !darwin

package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(append([]string{home}, fallback...)...)
	}
	return ""
}

func defaultDataDir() string {
	dir := xdgDir("XDG_DATA_HOME", ".local", "share")
	if dir == "" {
		return "marginalia-data"
	}
	return filepath.Join(dir, "marginalia")
}

func configFilePath() string {
	dir := xdgDir("XDG_CONFIG_HOME", ".config")
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "marginalia", "config.json")
}

// fileBackend keeps settings as a flat JSON object keyed by config key.
// Durations are stored as strings in Go syntax.
type fileBackend struct {
	file jsonFile

	mu   sync.Mutex
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	return openFileBackend(configFilePath())
}

// openFileBackend loads path. An unreadable or malformed file is logged and
// treated as empty so defaults apply.
func openFileBackend(path string) *fileBackend {
	b := &fileBackend{file: jsonFile{path: path}, data: make(map[string]any)}
	if _, err := b.file.read(&b.data); err != nil {
		slog.Warn("config file ignored, using defaults", "path", path, "error", err)
		b.data = make(map[string]any)
	}
	return b
}

func (b *fileBackend) get(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok
}

func (b *fileBackend) set(key string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v == nil {
		delete(b.data, key)
	} else {
		b.data[key] = v
	}
	return b.file.write(b.data)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.get(key)
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.get(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *fileBackend) GetDuration(key string) (time.Duration, bool, error) {
	v, ok := b.get(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case string:
		d, err := parseDuration(key, val)
		return d, true, err
	case float64:
		d, err := secondsDuration(key, val)
		return d, true, err
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	return b.set(key, val)
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.set(key, val)
}

func (b *fileBackend) SetDuration(key string, val time.Duration) error {
	return b.set(key, val.String())
}

func (b *fileBackend) Delete(key string) error {
	return b.set(key, nil)
}

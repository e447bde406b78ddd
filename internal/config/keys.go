package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MARGINALIA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "MARGINALIA_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MARGINALIA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "MARGINALIA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "backend.base_url", typ: kString, env: "MARGINALIA_BACKEND_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.BaseURL },
	},
	{
		key: "backend.token", typ: kString, env: "MARGINALIA_BACKEND_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Backend.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.Token },
	},
	{
		key: "reconcile.interval", typ: kDuration, env: "MARGINALIA_RECONCILE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reconcile.Interval },
	},
	{
		key: "reconcile.skip_window", typ: kDuration, env: "MARGINALIA_RECONCILE_SKIP_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.SkipWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reconcile.SkipWindow },
	},
	{
		key: "apply.concurrency", typ: kInt, env: "MARGINALIA_APPLY_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Apply.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Apply.Concurrency },
	},
	{
		key: "apply.create_timeout", typ: kDuration, env: "MARGINALIA_APPLY_CREATE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Apply.CreateTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Apply.CreateTimeout },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetDuration(s.key)
			if err != nil {
				slog.Warn("ignoring config value", "key", s.key, "error", err)
				continue
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				slog.Warn("ignoring environment override", "env", s.env, "value", raw, "error", err)
			}
		case kDuration:
			if d, err := parseDuration(s.env, raw); err == nil {
				s.apply(cfg, d)
			} else {
				slog.Warn("ignoring environment override", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}

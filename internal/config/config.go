package config

import (
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Backend   BackendConfig
	Reconcile ReconcileConfig
	Apply     ApplyConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// BackendConfig points at the acknowledgment backend. An empty BaseURL
// means the server's own /backend routes.
type BackendConfig struct {
	BaseURL string
	Token   string
}

type ReconcileConfig struct {
	Interval   time.Duration
	SkipWindow time.Duration
}

type ApplyConfig struct {
	Concurrency   int
	CreateTimeout time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4100,
			MaxConnections: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Reconcile: ReconcileConfig{
			Interval:   30 * time.Second,
			SkipWindow: 10 * time.Second,
		},
		Apply: ApplyConfig{
			Concurrency:   4,
			CreateTimeout: 30 * time.Second,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.marginalia.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/marginalia/config.json
// and secrets live in $XDG_DATA_HOME/marginalia/secrets.json.
//
// Environment variables (MARGINALIA_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

const keychainService = "marginalia"

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Backend.Token == "" {
		if tok, err := kc.Get(keychainService, "backend_token"); err == nil && tok != "" {
			cfg.Backend.Token = tok
		}
	}

	return cfg, nil
}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return keychainStore{}
}

type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

const apiTokenEnv = "MARGINALIA_API_TOKEN"

// GetAPIToken returns the bearer token guarding the REST API. It prefers
// MARGINALIA_API_TOKEN, then the secret store, and generates and stores a new
// token when neither has one.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv(apiTokenEnv); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, "api_token"); err == nil && tok != "" {
		return tok, nil
	}

	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := kc.Set(keychainService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

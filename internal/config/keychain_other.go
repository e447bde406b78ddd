//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
	"sync"
)

func secretsFilePath() string {
	dir := xdgDir("XDG_DATA_HOME", ".local", "share")
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "marginalia", "secrets.json")
}

// secretsFile stands in for a keychain: service -> account -> secret, in a
// 0600 file.
type secretsFile struct {
	file jsonFile
}

var secretsMu sync.Mutex

func (s secretsFile) load() (map[string]map[string]string, error) {
	secrets := make(map[string]map[string]string)
	if _, err := s.file.read(&secrets); err != nil {
		return nil, err
	}
	return secrets, nil
}

func (s secretsFile) get(service, account string) (string, error) {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	secrets, err := s.load()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("secret %s/%s not found", service, account)
	}
	return val, nil
}

// set fails on a file it cannot parse rather than replacing it.
func (s secretsFile) set(service, account, value string) error {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	secrets, err := s.load()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return s.file.write(secrets)
}

func keychainGet(service, account string) ([]byte, error) {
	val, err := secretsFile{file: jsonFile{path: secretsFilePath()}}.get(service, account)
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	return secretsFile{file: jsonFile{path: secretsFilePath()}}.set(service, account, value)
}

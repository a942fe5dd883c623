package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const apiTokenAccount = "api_token"

// SecretStore reads and writes secrets in the platform secret store.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformSecrets struct{}

// NewKeychain returns the platform secret store: macOS Keychain on darwin,
// a 0600 secrets.yaml elsewhere.
func NewKeychain() SecretStore { return platformSecrets{} }

func (platformSecrets) Get(service, account string) (string, error) {
	return keychainReader{}.Get(service, account)
}

func (platformSecrets) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the HTTP API, generating and
// persisting one on first use.
func GetAPIToken(store SecretStore) (string, error) {
	if tok, err := store.Get(keychainService, apiTokenAccount); err == nil && strings.TrimSpace(tok) != "" {
		return strings.TrimSpace(tok), nil
	}
	tok := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := store.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// SetSecret stores a secret config key (e.g. openai.api_key) in store.
func SetSecret(store SecretStore, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok || !s.secret {
		return fmt.Errorf("unknown secret key: %q", key)
	}
	return store.Set(keychainService, s.account, value)
}

//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// xdgDir returns $env, falling back to ~/fallback.
func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, fallback)
	}
	return "."
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "optlog")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "optlog", "config.yaml")
}

func secretHint(account string) string {
	return " or " + secretsFilePath() + " (key " + secretKey(keychainService, account) + ")"
}

// fileBackend keeps config keys in $XDG_CONFIG_HOME/optlog/config.yaml.
type fileBackend struct {
	file *yamlFile
}

func newPlatformBackend() ConfigBackend {
	f, err := openYAMLFile(configFilePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Using default values.\n", err)
	}
	return &fileBackend{file: f}
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.file.getString(key)
	return v, ok, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	return b.file.getInt(key)
}

func (b *fileBackend) SetString(key, val string) error { return b.file.set(key, val) }
func (b *fileBackend) SetInt(key string, val int) error { return b.file.set(key, val) }
func (b *fileBackend) Delete(key string) error          { return b.file.delete(key) }

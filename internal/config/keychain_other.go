//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
)

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "optlog", "secrets.yaml")
}

func keychainGet(service, account string) ([]byte, error) {
	f, err := openYAMLFile(secretsFilePath())
	if err != nil {
		return nil, err
	}
	v, ok := f.getString(secretKey(service, account))
	if !ok {
		return nil, fmt.Errorf("secret %s not found", secretKey(service, account))
	}
	return []byte(v), nil
}

func keychainSet(service, account, value string) error {
	f, err := openYAMLFile(secretsFilePath())
	if err != nil {
		return err
	}
	return f.set(secretKey(service, account), value)
}

//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Non-secret keys live in UserDefaults under this domain; secrets in the
// login Keychain under keychainService.
const defaultsDomain = "com.optlog.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "optlog-data"
	}
	return filepath.Join(home, "Library", "Application Support", "optlog")
}

func secretHint(account string) string {
	return fmt.Sprintf(" or macOS Keychain (service: %s, account: %s)", keychainService, account)
}

// defaults runs the macOS `defaults` tool against the optlog domain.
func defaults(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

type darwinBackend struct{}

func newPlatformBackend() ConfigBackend { return darwinBackend{} }

func (darwinBackend) GetString(key string) (string, bool, error) {
	out, err := defaults("read", defaultsDomain, key)
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		// Key (or the whole domain) does not exist.
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, out)
	}
	return out, true, nil
}

func (b darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (darwinBackend) SetString(key, val string) error {
	_, err := defaults("write", defaultsDomain, key, "-string", val)
	return err
}

func (darwinBackend) SetInt(key string, val int) error {
	_, err := defaults("write", defaultsDomain, key, "-int", strconv.Itoa(val))
	return err
}

func (darwinBackend) Delete(key string) error {
	_, err := defaults("delete", defaultsDomain, key)
	return err
}

func keychainGet(service, account string) ([]byte, error) {
	return exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
}

func keychainSet(service, account, value string) error {
	out, err := exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).CombinedOutput()
	if err != nil {
		return fmt.Errorf("security add-generic-password: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

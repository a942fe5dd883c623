package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// yamlFile is a flat key/value YAML document on disk. Non-darwin platforms
// keep both config.yaml and secrets.yaml in this format.
type yamlFile struct {
	path string
	data map[string]any
}

// openYAMLFile reads path. A missing file yields an empty document.
func openYAMLFile(path string) (*yamlFile, error) {
	f := &yamlFile{path: path, data: make(map[string]any)}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &f.data); err != nil {
		return f, fmt.Errorf("parsing %s: %w", path, err)
	}
	if f.data == nil {
		f.data = make(map[string]any)
	}
	return f, nil
}

func (f *yamlFile) getString(key string) (string, bool) {
	v, ok := f.data[key]
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprintf("%v", v), true
}

func (f *yamlFile) getInt(key string) (int, bool, error) {
	v, ok := f.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
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
	}
	return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
}

func (f *yamlFile) set(key string, v any) error {
	f.data[key] = v
	return f.save()
}

func (f *yamlFile) delete(key string) error {
	delete(f.data, key)
	return f.save()
}

// save replaces the file atomically through a temp file in the same dir.
func (f *yamlFile) save() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	raw, err := yaml.Marshal(f.data)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// secretKey is the flat key a secret is stored under in secrets.yaml.
func secretKey(service, account string) string {
	return service + "." + account
}

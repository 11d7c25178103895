// Package settings stores cosmetic board preferences in a local YAML file.
// Nothing kept here is ever sent to the board backend.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

type document struct {
	Values map[string]string `yaml:"values"`
}

// File is a key/value store persisted as YAML. A missing file reads as empty.
type File struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// Open loads path if it exists.
func Open(path string) (*File, error) {
	f := &File{path: path, values: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	for k, v := range doc.Values {
		f.values[k] = v
	}
	return f, nil
}

func (f *File) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

// Set stores value and rewrites the file. The in-memory value is only
// replaced once the write succeeded.
func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]string, len(f.values)+1)
	for k, v := range f.values {
		next[k] = v
	}
	next[key] = value
	if err := f.save(next); err != nil {
		return err
	}
	f.values = next
	return nil
}

func (f *File) save(values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	data, err := yaml.Marshal(document{Values: values})
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename settings: %w", err)
	}
	return nil
}

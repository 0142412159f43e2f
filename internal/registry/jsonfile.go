// ABOUTME: JSON file persister for the app registry
// ABOUTME: Writes go to a temp file in the same directory and are renamed over the target

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// JSONFile persists the registry as one JSON object keyed by app name.
type JSONFile struct {
	path string
}

// NewJSONFile returns a persister for path. Parent directories are created on first save.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Load reads the snapshot. A missing file is an empty registry, not an error.
func (f *JSONFile) Load() (map[string]*AppEntry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*AppEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}
	if len(data) == 0 {
		return map[string]*AppEntry{}, nil
	}

	apps := make(map[string]*AppEntry)
	if err := json.Unmarshal(data, &apps); err != nil {
		return nil, fmt.Errorf("parsing registry file: %w", err)
	}
	return apps, nil
}

// Save replaces the file atomically.
func (f *JSONFile) Save(apps map[string]*AppEntry) error {
	data, err := json.MarshalIndent(apps, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing registry file: %w", err)
	}
	return nil
}

// Close is a no-op; the file is not held open.
func (f *JSONFile) Close() error {
	return nil
}

// Package workspace persists the last bundle of each preview so sessions
// survive a restart.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brighthub/bncode/internal/compose"
	"github.com/brighthub/bncode/internal/debug"
)

// ErrNotFound is returned when no bundle is stored for a preview.
var ErrNotFound = errors.New("bundle not found")

// ErrInvalidID is returned for ids that cannot be used as file names.
var ErrInvalidID = errors.New("invalid preview id")

// errCorrupt marks a bundle file that exists but cannot be parsed.
var errCorrupt = errors.New("failed to parse bundle file")

// PreviewsDir is the directory within the workspace holding bundle files.
const PreviewsDir = "previews"

const fileVersion = 1

// BundleFile is the on-disk form of one preview's bundle.
type BundleFile struct {
	Version   int                  `json:"version"`
	ID        string               `json:"id"`
	Bundle    compose.SourceBundle `json:"bundle"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Store keeps one JSON file per preview under <dir>/previews.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// Open returns a store rooted at dir. The directory is created lazily on
// the first save.
func Open(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the workspace root.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.dir, PreviewsDir, id+".json"), nil
}

// SaveBundle writes bundle as the latest state of preview id.
func (s *Store) SaveBundle(id string, bundle compose.SourceBundle) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	file, err := loadBundleFile(path)
	if errors.Is(err, errCorrupt) {
		debug.Warn("workspace", "replacing unreadable bundle for %s: %v", id, err)
		file = nil
	} else if err != nil {
		return err
	}
	if file == nil {
		file = &BundleFile{Version: fileVersion, ID: id, CreatedAt: now}
	}
	file.Bundle = bundle
	file.UpdatedAt = now

	return saveBundleFile(path, file)
}

// LoadBundle returns the stored bundle for id.
func (s *Store) LoadBundle(id string) (compose.SourceBundle, error) {
	path, err := s.path(id)
	if err != nil {
		return compose.SourceBundle{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := loadBundleFile(path)
	if err != nil {
		return compose.SourceBundle{}, err
	}
	if file == nil {
		return compose.SourceBundle{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return file.Bundle, nil
}

// DeleteBundle forgets preview id. Deleting a missing bundle is not an error.
func (s *Store) DeleteBundle(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete bundle: %w", err)
	}
	return nil
}

// List returns the ids of all stored bundles, sorted.
func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, PreviewsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list bundles: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadAll reads every stored bundle. Unreadable files are skipped with a
// warning so one corrupt file does not block the rest.
func (s *Store) LoadAll() (map[string]compose.SourceBundle, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}

	out := make(map[string]compose.SourceBundle, len(ids))
	for _, id := range ids {
		bundle, err := s.LoadBundle(id)
		if err != nil {
			debug.Warn("workspace", "skipping bundle %s: %v", id, err)
			continue
		}
		out[id] = bundle
	}
	return out, nil
}

// loadBundleFile returns nil when the file does not exist.
func loadBundleFile(path string) (*BundleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read bundle file: %w", err)
	}

	var file BundleFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return &file, nil
}

// saveBundleFile writes atomically via a temp file and rename.
func saveBundleFile(path string, file *BundleFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bundle file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

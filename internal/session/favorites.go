package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/termdeck/termdeck/internal/config"
)

// Favorites is the list of bookmarked directories in favorites.json.
// Add and Remove are idempotent and save immediately.
type Favorites struct {
	path string

	mu    sync.RWMutex
	items []string
}

// LoadFavorites reads path; a missing file is an empty list.
func LoadFavorites(path string) (*Favorites, error) {
	f := &Favorites{path: path}
	if err := f.Reload(); err != nil {
		return f, err
	}
	return f, nil
}

// DefaultFavorites opens <app dir>/favorites.json.
func DefaultFavorites() (*Favorites, error) {
	path, err := config.PathFor(config.FavoritesFileName)
	if err != nil {
		return nil, err
	}
	return LoadFavorites(path)
}

func (f *Favorites) Path() string { return f.path }

// Reload re-reads the file, replacing the in-memory list. On a parse error
// the current list is kept.
func (f *Favorites) Reload() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.mu.Lock()
		f.items = nil
		f.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read favorites: %w", err)
	}

	var raw []string
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			storageLog.Warn("favorites_parse_failed", slog.String("path", f.path), slog.String("error", err.Error()))
			return fmt.Errorf("parse favorites: %w", err)
		}
	}

	seen := make(map[string]bool, len(raw))
	items := make([]string, 0, len(raw))
	for _, p := range raw {
		p = cleanFavorite(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		items = append(items, p)
	}

	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
	return nil
}

// List returns the favorites in insertion order.
func (f *Favorites) List() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.items...)
}

func (f *Favorites) Contains(path string) bool {
	path, err := absFavorite(path)
	if err != nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.items {
		if p == path {
			return true
		}
	}
	return false
}

// Add appends path if absent. It reports whether the list changed.
func (f *Favorites) Add(path string) (bool, error) {
	abs, err := absFavorite(path)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.items {
		if p == abs {
			return false, nil
		}
	}
	f.items = append(f.items, abs)
	return true, f.saveLocked()
}

// Remove drops path if present. It reports whether the list changed.
func (f *Favorites) Remove(path string) (bool, error) {
	path, err := absFavorite(path)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.items {
		if p == path {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return true, f.saveLocked()
		}
	}
	return false, nil
}

func (f *Favorites) saveLocked() error {
	items := f.items
	if items == nil {
		items = []string{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode favorites: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create favorites dir: %w", err)
	}
	return config.WriteFileAtomic(f.path, append(data, '\n'), 0o600)
}

func absFavorite(path string) (string, error) {
	path = cleanFavorite(path)
	if path == "" {
		return "", errors.New("empty favorite path")
	}
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolve favorite %q: %w", path, err)
		}
		path = abs
	}
	return path, nil
}

func cleanFavorite(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(path)
}

package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiskBackend keeps one directory per generation under a base directory.
type DiskBackend struct {
	basePath string
}

// NewDiskBackend creates the base directory if missing.
func NewDiskBackend(basePath string) (*DiskBackend, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("cache base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &DiskBackend{basePath: basePath}, nil
}

func (d *DiskBackend) paths(generation, key string) (body, meta string) {
	dir := filepath.Join(d.basePath, safeName(generation))
	return filepath.Join(dir, safeName(key)+".bin"), filepath.Join(dir, safeName(key)+".json")
}

func (d *DiskBackend) Get(_ context.Context, generation, key string) (Entry, error) {
	bodyPath, metaPath := d.paths(generation, key)
	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read meta: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode meta: %w", err)
	}
	body, err := os.ReadFile(bodyPath)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read body: %w", err)
	}
	e.Body = body
	return e, nil
}

// Put writes the body before the metadata so a reader never sees metadata
// without its body.
func (d *DiskBackend) Put(_ context.Context, generation, key string, e Entry) error {
	bodyPath, metaPath := d.paths(generation, key)
	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return fmt.Errorf("create generation dir: %w", err)
	}
	meta, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := writeAtomic(bodyPath, e.Body); err != nil {
		return err
	}
	return writeAtomic(metaPath, meta)
}

func (d *DiskBackend) Generations(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.basePath)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// DropGeneration removes all files for a generation.
func (d *DiskBackend) DropGeneration(_ context.Context, generation string) error {
	targetDir := filepath.Join(d.basePath, safeName(generation))
	if _, err := os.Stat(targetDir); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(targetDir)
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func safeName(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

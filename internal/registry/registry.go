// Package registry discovers model files on disk and tracks the selected one.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"inferd/internal/common/fsutil"
)

// Model describes one model file. A Model is immutable once selected for a run.
type Model struct {
	FileName  string `json:"file_name"`
	Path      string `json:"path"`
	Available bool   `json:"available"`
}

// Registry scans a single directory for files carrying the model extension.
// It has no network side effects; starting or stopping servers is the caller's job.
type Registry struct {
	dir string
	ext string

	mu       sync.RWMutex
	selected *Model
}

// New returns a registry over dir (may start with '~') for files ending in ext (e.g. ".gguf").
func New(dir, ext string) *Registry {
	if ext == "" {
		ext = ".gguf"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Registry{dir: dir, ext: strings.ToLower(ext)}
}

// Dir returns the configured directory, unexpanded.
func (r *Registry) Dir() string { return r.dir }

// List scans the directory, creating it if absent, and returns models sorted by file name.
func (r *Registry) List() ([]Model, error) {
	abs, err := fsutil.EnsureDir(r.dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	var models []Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), r.ext) {
			continue
		}
		models = append(models, Model{FileName: name, Path: filepath.Join(abs, name), Available: true})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].FileName < models[j].FileName })
	return models, nil
}

// FindDefault returns the lexicographically first model file.
// The boolean is false (with a nil error) when the directory is empty.
func (r *Registry) FindDefault() (Model, bool, error) {
	models, err := r.List()
	if err != nil {
		return Model{}, false, err
	}
	if len(models) == 0 {
		return Model{}, false, nil
	}
	return models[0], true, nil
}

// Lookup finds a model by file name without changing the selection.
func (r *Registry) Lookup(fileName string) (Model, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" || filepath.Base(fileName) != fileName {
		return Model{}, ErrModelNotFound(fileName)
	}
	models, err := r.List()
	if err != nil {
		return Model{}, err
	}
	for _, m := range models {
		if m.FileName == fileName {
			return m, nil
		}
	}
	return Model{}, ErrModelNotFound(fileName)
}

// Select marks fileName as the active model. It does not start anything.
func (r *Registry) Select(fileName string) (Model, error) {
	m, err := r.Lookup(fileName)
	if err != nil {
		return Model{}, err
	}
	r.mu.Lock()
	r.selected = &m
	r.mu.Unlock()
	return m, nil
}

// Selected returns the current selection, with Available refreshed from disk.
func (r *Registry) Selected() (Model, bool) {
	r.mu.RLock()
	sel := r.selected
	r.mu.RUnlock()
	if sel == nil {
		return Model{}, false
	}
	m := *sel
	m.Available = fsutil.IsFile(m.Path)
	return m, true
}

// HasModel is true only if a model is selected and its file still exists.
func (r *Registry) HasModel() bool {
	m, ok := r.Selected()
	return ok && m.Available
}

// Resolve returns the model to launch: the current selection if its file still
// exists, else preferred (when non-empty and present), else the default. The
// result becomes the selection.
func (r *Registry) Resolve(preferred string) (Model, error) {
	if m, ok := r.Selected(); ok && m.Available {
		return m, nil
	}
	if strings.TrimSpace(preferred) != "" {
		if m, err := r.Select(preferred); err == nil {
			return m, nil
		}
	}
	m, ok, err := r.FindDefault()
	if err != nil {
		return Model{}, err
	}
	if !ok {
		r.mu.Lock()
		r.selected = nil
		r.mu.Unlock()
		return Model{}, ErrNoModels
	}
	r.mu.Lock()
	r.selected = &m
	r.mu.Unlock()
	return m, nil
}

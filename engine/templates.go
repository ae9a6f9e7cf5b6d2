package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// overridePattern matches prompt override files within the override directory.
const overridePattern = "**/*.{yaml,yml}"

// TemplateSet holds named prompt templates. Built-in defaults can be
// overridden per template from YAML files.
type TemplateSet struct {
	mu        sync.RWMutex
	templates map[string]string
}

// NewTemplateSet returns a set seeded with the built-in prompt templates.
func NewTemplateSet() *TemplateSet {
	templates := make(map[string]string, len(defaultTemplates))
	for name, text := range defaultTemplates {
		templates[name] = text
	}
	return &TemplateSet{templates: templates}
}

// Render interpolates {key} placeholders in the named template with values
// from bindings. Non-string values are JSON-encoded. Placeholders with no
// matching binding are left as-is rather than erased, so missing data stays
// visible in the stored prompt.
func (s *TemplateSet) Render(name string, bindings map[string]any) (string, error) {
	s.mu.RLock()
	text, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown prompt template: %s", name)
	}

	return Interpolate(text, bindings), nil
}

// Set adds or replaces a template.
func (s *TemplateSet) Set(name, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[name] = text
}

// Names returns the names of all templates in the set.
func (s *TemplateSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	return names
}

// Interpolate replaces {key} placeholders with binding values.
func Interpolate(text string, bindings map[string]any) string {
	for key, value := range bindings {
		placeholder := "{" + key + "}"
		if !strings.Contains(text, placeholder) {
			continue
		}

		var rendered string
		switch v := value.(type) {
		case string:
			rendered = v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			rendered = string(data)
		}
		text = strings.ReplaceAll(text, placeholder, rendered)
	}
	return text
}

// LoadOverrides reads every YAML file under dir matching the override
// pattern and applies its template entries to the set. Each file is a flat
// map of template name to prompt text. Later files win on conflict.
func (s *TemplateSet) LoadOverrides(dir string) error {
	matches, err := doublestar.Glob(os.DirFS(dir), overridePattern)
	if err != nil {
		return fmt.Errorf("glob prompt overrides: %w", err)
	}

	for _, rel := range matches {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return fmt.Errorf("read prompt override %s: %w", rel, err)
		}

		var overrides map[string]string
		if err := yaml.Unmarshal(data, &overrides); err != nil {
			return fmt.Errorf("parse prompt override %s: %w", rel, err)
		}

		for name, text := range overrides {
			s.Set(name, text)
		}
	}

	return nil
}

// TemplateWatcher reloads prompt overrides when files in the override
// directory change. Changes are debounced so a burst of writes triggers a
// single reload.
type TemplateWatcher struct {
	set      *TemplateSet
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   bool
}

// NewTemplateWatcher creates a watcher for the given override directory.
func NewTemplateWatcher(set *TemplateSet, dir string, debounce time.Duration, logger *slog.Logger) (*TemplateWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &TemplateWatcher{
		set:      set,
		dir:      dir,
		debounce: debounce,
		watcher:  fsw,
		logger:   logger,
	}, nil
}

// Start loads current overrides and begins watching for changes.
func (w *TemplateWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}

	if err := w.set.LoadOverrides(w.dir); err != nil {
		return err
	}

	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Prompt override watcher started",
		"dir", w.dir,
		"debounce", w.debounce)

	return nil
}

// Stop stops the watcher.
func (w *TemplateWatcher) Stop() error {
	return w.watcher.Close()
}

// processEvents handles fsnotify events with debouncing.
func (w *TemplateWatcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			w.pendingMu.Lock()
			w.pending = true
			w.pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Prompt watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// flushPending reloads overrides if any change was seen since the last tick.
func (w *TemplateWatcher) flushPending() {
	w.pendingMu.Lock()
	dirty := w.pending
	w.pending = false
	w.pendingMu.Unlock()

	if !dirty {
		return
	}

	if err := w.set.LoadOverrides(w.dir); err != nil {
		w.logger.Error("Failed to reload prompt overrides", "error", err)
		return
	}

	w.logger.Info("Prompt overrides reloaded", "dir", w.dir)
}

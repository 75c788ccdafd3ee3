package template

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

var ErrTemplateNotFound = errors.New("template not found")

// Renderer renders a named configuration template against a variable scope.
type Renderer interface {
	Render(ctx context.Context, name string, variables map[string]any) (any, error)
}

// Library holds parsed templates by name.
type Library struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

func NewLibrary() *Library {
	return &Library{templates: map[string]*template.Template{}}
}

// Add parses body and registers it under name, replacing any previous one.
func (l *Library) Add(name, body string) error {
	tmpl, err := parse(name, body)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.templates[name] = tmpl

	return nil
}

// LoadDir registers every *.tmpl file in dir under its base name without
// the extension.
func (l *Library) LoadDir(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.tmpl"))
	if err != nil {
		return fmt.Errorf("failed to list templates in %s: %w", dir, err)
	}

	for _, path := range paths {
		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", path, err)
		}

		name := strings.TrimSuffix(filepath.Base(path), ".tmpl")
		if err := l.Add(name, string(body)); err != nil {
			return err
		}
	}

	return nil
}

func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}

	return names
}

func (l *Library) Render(ctx context.Context, name string, variables map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	tmpl, ok := l.templates[name]
	l.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}

	return execute(tmpl, variables)
}

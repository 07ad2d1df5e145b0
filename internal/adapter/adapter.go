// Package adapter defines the boundary to pluggable source-format parsers.
// An adapter turns raw source text into cards and renders a card's opaque
// content as HTML fragments; the core never looks inside the content.
package adapter

import (
	"fmt"
	"sort"

	"github.com/AM-Campbell/sr/internal/domain"
)

// Adapter parses one source format and renders its cards.
type Adapter interface {
	Name() string
	Parse(text, path string, meta map[string]any) ([]domain.ParsedCard, error)
	RenderFront(content map[string]any) (string, error)
	RenderBack(content map[string]any) (string, error)
}

var registry = map[string]Adapter{}

// Register adds an adapter under its name. Called from implementation
// packages at init time; the registry is resolved once at startup.
func Register(a Adapter) {
	registry[a.Name()] = a
}

// Get resolves an adapter by name.
func Get(name string) (Adapter, error) {
	a, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q (registered: %v)", name, Names())
	}
	return a, nil
}

// Names lists the registered adapter names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package graph

import (
	"fmt"
	"path/filepath"
	"plugin"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoadMode selects how servlets reach the Registry before a graph is
// built: compiled in, or discovered as shared objects at startup. The
// core's Non-goals exclude mutating a graph once started, but loading
// servlets into the registry happens before any graph references them.
type LoadMode string

const (
	StaticMode  LoadMode = "static"
	DynamicMode LoadMode = "dynamic"
)

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Mode     LoadMode
	Path     string   // directory to search in DynamicMode
	Patterns []string // glob patterns relative to Path, e.g. "*.so"
}

// Loader populates a Registry either by validating statically linked
// registrations or by opening .so files that each export a
// `Register(*graph.Registry) error` symbol (§1 "the servlet binary
// loader" — an external collaborator whose loading mechanism this
// package implements as the concrete, in-process case).
type Loader struct {
	config   LoaderConfig
	registry *Registry
	log      *logrus.Entry
}

// NewLoader creates a Loader writing into registry.
func NewLoader(config LoaderConfig, registry *Registry) *Loader {
	return &Loader{config: config, registry: registry, log: logrus.WithField("component", "servlet-loader")}
}

// Load runs the configured mode and validates the resulting registry has
// an acyclic dependency order.
func (l *Loader) Load() error {
	if l.config.Mode == StaticMode {
		return l.validateStaticServlets()
	}
	return l.loadDynamicServlets()
}

func (l *Loader) validateStaticServlets() error {
	if _, err := l.registry.LoadOrder(); err != nil {
		return fmt.Errorf("servlet dependency validation failed: %w", err)
	}
	return nil
}

func (l *Loader) loadDynamicServlets() error {
	files, err := l.discoverServletFiles()
	if err != nil {
		return fmt.Errorf("failed to discover servlet files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no servlet files found in path: %s", l.config.Path)
	}

	for _, file := range files {
		if err := l.loadServlet(file); err != nil {
			return fmt.Errorf("failed to load servlet %s: %w", file, err)
		}
	}

	if _, err := l.registry.LoadOrder(); err != nil {
		return fmt.Errorf("servlet dependency validation failed: %w", err)
	}
	return nil
}

func (l *Loader) discoverServletFiles() ([]string, error) {
	files := make([]string, 0)
	for _, pattern := range l.config.Patterns {
		fullPattern := filepath.Join(l.config.Path, pattern)
		matches, err := filepath.Glob(fullPattern)
		if err != nil {
			return nil, fmt.Errorf("failed to match pattern %s: %w", fullPattern, err)
		}
		files = append(files, matches...)
	}
	return files, nil
}

func (l *Loader) loadServlet(file string) error {
	p, err := plugin.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open servlet file %s: %w", file, err)
	}

	symbol, err := p.Lookup("Register")
	if err != nil {
		return fmt.Errorf("servlet %s does not export Register: %w", file, err)
	}

	register, ok := symbol.(func(*Registry) error)
	if !ok {
		return fmt.Errorf("servlet %s Register has an unexpected signature", file)
	}

	if err := register(l.registry); err != nil {
		return fmt.Errorf("servlet %s registration failed: %w", file, err)
	}

	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	l.log.WithField("servlet", name).Info("loaded dynamic servlet")
	return nil
}

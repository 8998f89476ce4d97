package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/plexhub/crucible/internal/protocol"
)

// Manifest describes an external plugin directory's manifest.yaml. External
// plugins are standalone executables that speak the frame protocol on
// stdin/stdout.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Protocol    int      `yaml:"protocol"`
	Entrypoint  string   `yaml:"entrypoint"`
	Description string   `yaml:"description,omitempty"`
	Events      []string `yaml:"events,omitempty"` // event types handled; empty means all
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest missing name")
	}
	if m.Protocol != protocol.Version {
		return fmt.Errorf("plugin %q declares unsupported protocol %d", m.Name, m.Protocol)
	}
	if strings.TrimSpace(m.Entrypoint) == "" {
		return fmt.Errorf("plugin %q missing entrypoint", m.Name)
	}
	return nil
}

// External is a discovered, validated external plugin.
type External struct {
	Name        string
	Version     string
	Description string
	Dir         string // absolute plugin directory
	Entrypoint  string // absolute entrypoint path
	Events      []string
}

// HandlesEvent reports whether the plugin declared interest in an event type.
// An empty declaration accepts everything.
func (e *External) HandlesEvent(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, t := range e.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

// ExternalSet is the result of discovering a plugins directory.
type ExternalSet struct {
	plugins map[string]*External
}

// Get looks up an external plugin by name.
func (s *ExternalSet) Get(name string) (*External, bool) {
	p, ok := s.plugins[name]
	return p, ok
}

// Len returns the number of discovered plugins.
func (s *ExternalSet) Len() int { return len(s.plugins) }

// Discover scans dir for subdirectories containing a manifest.yaml and
// validates each. Directories with broken manifests are skipped with a
// warning via warnf rather than failing the whole scan.
func Discover(dir string, warnf func(format string, args ...any)) (*ExternalSet, error) {
	if warnf == nil {
		warnf = func(string, ...any) {}
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve plugins dir: %w", err)
	}
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	set := &ExternalSet{plugins: make(map[string]*External)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(absDir, entry.Name())
		manifestPath := filepath.Join(pluginDir, "manifest.yaml")
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			warnf("skipping %s: %v", entry.Name(), err)
			continue
		}

		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			warnf("skipping %s: invalid manifest: %v", entry.Name(), err)
			continue
		}
		if err := m.validate(); err != nil {
			warnf("skipping %s: %v", entry.Name(), err)
			continue
		}

		entrypoint := m.Entrypoint
		if !filepath.IsAbs(entrypoint) {
			entrypoint = filepath.Join(pluginDir, entrypoint)
		}
		info, err := os.Stat(entrypoint)
		if err != nil {
			warnf("skipping %s: entrypoint missing: %v", m.Name, err)
			continue
		}
		if info.Mode()&0o111 == 0 {
			warnf("skipping %s: entrypoint %s is not executable", m.Name, entrypoint)
			continue
		}

		if _, dup := set.plugins[m.Name]; dup {
			warnf("duplicate plugin name %q in %s, keeping first", m.Name, pluginDir)
			continue
		}
		set.plugins[m.Name] = &External{
			Name:        m.Name,
			Version:     m.Version,
			Description: m.Description,
			Dir:         pluginDir,
			Entrypoint:  entrypoint,
			Events:      m.Events,
		}
	}
	return set, nil
}

// Package scopeplugin discovers dynamically-loadable scopes from compiled
// Go plugins (.so files) on disk, so an operator can extend the proxy's
// capability set without a rebuild.
package scopeplugin

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"

	"github.com/rienafairefr/secure-api-proxy/internal/logging"
	"github.com/rienafairefr/secure-api-proxy/internal/permission"
)

// ScopeSymbolName is the exported symbol every plugin must define. Its type
// must satisfy permission.Scope (optionally also permission.ResponseObserver).
const ScopeSymbolName = "Scope"

// Loader discovers and loads permission.Scope implementations from .so
// plugin files in a directory.
type Loader struct {
	dir string
}

// NewLoader builds a Loader rooted at dir. An empty dir means plugin
// discovery is disabled; Load then returns no scopes and no error.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load scans the loader's directory for *.so files, loading each as a Go
// plugin and registering its exported Scope symbol under a name derived
// from the file's base name (stripped of the .so extension). A plugin that
// fails to open, or that does not export a conforming Scope symbol, is
// logged and skipped — it never aborts discovery for the remaining files.
func (l *Loader) Load(registry *permission.Registry) error {
	if l.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scopeplugin: failed to read plugin directory %q: %w", l.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		name := strings.TrimSuffix(entry.Name(), ".so")

		scope, err := l.loadOne(path)
		if err != nil {
			logging.Warnf("scopeplugin: skipping %s: %v", path, err)
			continue
		}

		if err := registry.Add(name, scope); err != nil {
			logging.Warnf("scopeplugin: skipping %s: %v", path, err)
			continue
		}

		logging.Infof("scopeplugin: loaded scope %q from %s", name, path)
	}

	return nil
}

func (l *Loader) loadOne(path string) (permission.Scope, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin: %w", err)
	}

	sym, err := p.Lookup(ScopeSymbolName)
	if err != nil {
		return nil, fmt.Errorf("plugin does not export %q: %w", ScopeSymbolName, err)
	}

	scope, ok := sym.(permission.Scope)
	if !ok {
		return nil, fmt.Errorf("exported %q does not implement permission.Scope", ScopeSymbolName)
	}

	return scope, nil
}

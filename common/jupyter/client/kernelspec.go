package client

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	KernelSpecFileName = "kernel.json"
)

// DefaultKernelSpecDirs returns the standard Jupyter kernelspec directories, honouring JUPYTER_PATH.
func DefaultKernelSpecDirs() []string {
	dirs := make([]string, 0, 4)

	if jupyterPath := os.Getenv("JUPYTER_PATH"); jupyterPath != "" {
		for _, dir := range filepath.SplitList(jupyterPath) {
			dirs = append(dirs, filepath.Join(dir, "kernels"))
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "jupyter", "kernels"))
	}

	return append(dirs, "/usr/local/share/jupyter/kernels", "/usr/share/jupyter/kernels")
}

// KernelSpecManager discovers kernelspecs stored as <dir>/<name>/kernel.json.
//
// The result of a scan is cached until a watched directory changes.
type KernelSpecManager struct {
	dirs []string

	mu    sync.Mutex
	cache map[string]*KernelSpec

	watcher *fsnotify.Watcher
	watched map[string]struct{}
	closed  chan struct{}

	log logger.Logger
}

func NewKernelSpecManager(dirs []string) (*KernelSpecManager, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kernelspec watcher")
	}

	manager := &KernelSpecManager{
		dirs:    dirs,
		watcher: watcher,
		watched: make(map[string]struct{}),
		closed:  make(chan struct{}),
	}
	config.InitLogger(&manager.log, manager)

	go manager.watch()

	return manager, nil
}

// FindAll returns every kernelspec found, keyed by flavor name.
// A flavor found in more than one directory resolves to the first directory listed.
func (m *KernelSpecManager) FindAll() (map[string]*KernelSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cache == nil {
		specs, err := m.scanLocked()
		if err != nil {
			return nil, err
		}
		m.cache = specs
	}

	specs := make(map[string]*KernelSpec, len(m.cache))
	for name, spec := range m.cache {
		specs[name] = spec
	}

	return specs, nil
}

// Get returns the kernelspec of the given flavor.
func (m *KernelSpecManager) Get(name string) (*KernelSpec, error) {
	specs, err := m.FindAll()
	if err != nil {
		return nil, err
	}

	spec, ok := specs[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFlavor, "no kernelspec named \"%s\"", name)
	}

	return spec, nil
}

// Names returns the sorted flavor names.
func (m *KernelSpecManager) Names() ([]string, error) {
	specs, err := m.FindAll()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

// Invalidate drops the cached scan.
func (m *KernelSpecManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = nil
}

func (m *KernelSpecManager) Close() error {
	select {
	case <-m.closed:
		return nil
	default:
		close(m.closed)
	}

	return m.watcher.Close()
}

func (m *KernelSpecManager) scanLocked() (map[string]*KernelSpec, error) {
	specs := make(map[string]*KernelSpec)

	for _, dir := range m.dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, errors.Wrapf(err, "failed to read kernelspec directory \"%s\"", dir)
		}

		m.watchLocked(dir)

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			name := entry.Name()
			if _, loaded := specs[name]; loaded {
				continue
			}

			specDir := filepath.Join(dir, name)
			m.watchLocked(specDir)

			spec, err := readKernelSpec(specDir, name)
			if err != nil {
				m.log.Warn("Skipping kernelspec \"%s\": %v", specDir, err)
				continue
			}

			specs[name] = spec
		}
	}

	m.log.Debug("Discovered %d kernelspec(s) in %v", len(specs), m.dirs)
	return specs, nil
}

func (m *KernelSpecManager) watchLocked(dir string) {
	if _, ok := m.watched[dir]; ok {
		return
	}

	if err := m.watcher.Add(dir); err != nil {
		m.log.Warn("Failed to watch kernelspec directory \"%s\": %v", dir, err)
		return
	}
	m.watched[dir] = struct{}{}
}

func (m *KernelSpecManager) watch() {
	for {
		select {
		case <-m.closed:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			m.log.Debug("Kernelspec directory changed: %s", event.String())
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				m.mu.Lock()
				delete(m.watched, event.Name)
				m.mu.Unlock()
			}
			m.Invalidate()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("Kernelspec watcher error: %v", err)
		}
	}
}

func readKernelSpec(dir string, name string) (*KernelSpec, error) {
	data, err := os.ReadFile(filepath.Join(dir, KernelSpecFileName))
	if err != nil {
		return nil, err
	}

	spec := &KernelSpec{
		Name:      name,
		Resources: map[string]string{},
	}
	if err := json.Unmarshal(data, &spec.Spec); err != nil {
		return nil, errors.Wrapf(err, "invalid %s", KernelSpecFileName)
	}

	if len(spec.Spec.Argv) == 0 {
		return nil, errors.Errorf("%s has an empty argv", KernelSpecFileName)
	}

	resources, err := os.ReadDir(dir)
	if err == nil {
		for _, resource := range resources {
			if !resource.IsDir() && resource.Name() != KernelSpecFileName {
				spec.Resources[resource.Name()] = filepath.Join(dir, resource.Name())
			}
		}
	}

	return spec, nil
}

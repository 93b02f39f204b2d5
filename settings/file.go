package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// decodeFunc parses raw file contents into a nested map.
type decodeFunc func(data []byte) (map[string]any, error)

// fileSource is the shared implementation behind the YAML, TOML, JSON and
// dotenv sources. It loads the file eagerly, flattens nested sections to
// slash-separated keys, and reloads on fsnotify write events.
type fileSource struct {
	mu      sync.RWMutex
	path    string
	decode  decodeFunc
	values  map[string]any
	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
	closed  bool

	variantMu sync.Mutex
	variants  map[string]Source
}

func newFileSource(path string, decode decodeFunc) (*fileSource, error) {
	src := &fileSource{
		path:     path,
		decode:   decode,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		variants: make(map[string]Source),
	}
	if err := src.reload(); err != nil {
		return nil, err
	}
	if err := src.watch(); err != nil {
		return nil, err
	}
	return src, nil
}

func (s *fileSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, s.path)
		}
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	nested, err := s.decode(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrParseFailed, s.path, err)
	}
	flat := make(map[string]any)
	flatten("", nested, flat)

	s.mu.Lock()
	s.values = flat
	s.mu.Unlock()
	return nil
}

func (s *fileSource) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory rather than the file so that editors replacing
	// the file via rename keep the watch alive.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					continue
				}
				select {
				case s.changes <- struct{}{}:
				default:
				}
			case <-watcher.Errors:
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Get implements Source.
func (s *fileSource) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok
}

// Keys implements Source.
func (s *fileSource) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ApplicationName implements Source. The identity of a file source is its
// file name without extension.
func (s *fileSource) ApplicationName() string {
	base := filepath.Base(s.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Path implements FileSource.
func (s *fileSource) Path() string { return s.path }

// Changes implements FileSource.
func (s *fileSource) Changes() <-chan struct{} { return s.changes }

// Close implements FileSource.
func (s *fileSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// ProfileVariant implements ProfileAware. The sibling of a file source is
// the file with "-<profile>" inserted before the extension, e.g.
// "app.yaml" → "app-test.yaml". A missing sibling file yields
// ErrNoProfileVariant.
func (s *fileSource) ProfileVariant(profile string) (Source, error) {
	s.variantMu.Lock()
	defer s.variantMu.Unlock()
	if variant, ok := s.variants[profile]; ok {
		return variant, nil
	}

	ext := filepath.Ext(s.path)
	variantPath := strings.TrimSuffix(s.path, ext) + "-" + profile + ext
	if _, err := os.Stat(variantPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoProfileVariant, variantPath)
	}
	variant, err := newFileSource(variantPath, s.decode)
	if err != nil {
		return nil, err
	}
	s.variants[profile] = variant
	return variant, nil
}

// NewYamlFile creates a settings source backed by a YAML file.
func NewYamlFile(path string) (FileSource, error) {
	return newFileSource(path, func(data []byte) (map[string]any, error) {
		var nested map[string]any
		if err := yaml.Unmarshal(data, &nested); err != nil {
			return nil, err
		}
		return nested, nil
	})
}

// NewTomlFile creates a settings source backed by a TOML file.
func NewTomlFile(path string) (FileSource, error) {
	return newFileSource(path, func(data []byte) (map[string]any, error) {
		var nested map[string]any
		if err := toml.Unmarshal(data, &nested); err != nil {
			return nil, err
		}
		return nested, nil
	})
}

// NewJSONFile creates a settings source backed by a JSON file.
func NewJSONFile(path string) (FileSource, error) {
	return newFileSource(path, func(data []byte) (map[string]any, error) {
		var nested map[string]any
		if err := json.Unmarshal(data, &nested); err != nil {
			return nil, err
		}
		return nested, nil
	})
}

// NewDotEnvFile creates a settings source backed by a dotenv file. Lines
// of the form KEY=VALUE become keys verbatim; '#' starts a comment.
func NewDotEnvFile(path string) (FileSource, error) {
	return newFileSource(path, func(data []byte) (map[string]any, error) {
		nested := make(map[string]any)
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			idx := strings.IndexByte(line, '=')
			if idx <= 0 {
				continue
			}
			key := strings.TrimSpace(line[:idx])
			value := strings.Trim(strings.TrimSpace(line[idx+1:]), `"'`)
			nested[key] = value
		}
		return nested, nil
	})
}

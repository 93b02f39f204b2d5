// Package settings provides the configuration sources consumed by the
// qtdi container. A source exposes key-value configuration under
// slash-separated paths; file-backed sources additionally carry a file
// identity and a change-notification channel, and sources may opt into
// profile-specific sibling construction.
package settings

import "errors"

// Package errors
var (
	ErrFileNotFound     = errors.New("settings file not found")
	ErrParseFailed      = errors.New("failed to parse settings file")
	ErrNoProfileVariant = errors.New("source has no profile-specific variant")
)

// Source is a read-only configuration source. Keys are slash-separated
// paths such as "timers/interval"; values keep their parsed types
// (strings, numbers, booleans, lists).
type Source interface {
	// Get returns the value stored under key, if any.
	Get(key string) (any, bool)

	// Keys returns all keys of the source in a stable order.
	Keys() []string

	// ApplicationName identifies the source. It is used to derive
	// profile-specific sibling sources and for diagnostics.
	ApplicationName() string
}

// FileSource is a Source backed by a file. The container's refresh
// service listens on Changes to re-resolve watched configuration values
// when the file is rewritten.
type FileSource interface {
	Source

	// Path returns the backing file path.
	Path() string

	// Changes returns a channel that receives a signal whenever the
	// backing file changes on disk.
	Changes() <-chan struct{}

	// Close releases the file watcher.
	Close() error
}

// ProfileAware is implemented by sources that can construct
// profile-specific siblings. The container consults the sibling before
// the general source for every active profile other than "default".
type ProfileAware interface {
	// ProfileVariant returns the sibling source for the given profile,
	// or ErrNoProfileVariant when none exists.
	ProfileVariant(profile string) (Source, error)
}

// flatten walks a nested map and records every leaf under its
// slash-separated path. Lists are leaves.
func flatten(prefix string, value any, out map[string]any) {
	switch nested := value.(type) {
	case map[string]any:
		for key, child := range nested {
			path := key
			if prefix != "" {
				path = prefix + "/" + key
			}
			flatten(path, child, out)
		}
	case map[any]any:
		for key, child := range nested {
			path := toString(key)
			if prefix != "" {
				path = prefix + "/" + path
			}
			flatten(path, child, out)
		}
	default:
		if prefix != "" {
			out[prefix] = value
		}
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmtSprint(v)
}

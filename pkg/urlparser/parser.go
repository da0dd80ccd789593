// Package urlparser provides interfaces and implementations for resolving a cache key to the source it
// is fetched from.
package urlparser

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Kind describes where a source lives.
type Kind int

const (
	// Local sources are read from the filesystem.
	Local Kind = iota

	// Remote sources are requested over HTTP.
	Remote
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrUnsupportedSource is returned for keys that are neither a file path nor an http(s) URL.
var ErrUnsupportedSource = errors.New("unsupported source")

// Source is a resolved cache key.
type Source struct {
	Kind Kind

	// Path is the cleaned filesystem path of a local source.
	Path string

	// URL is the request URL of a remote source.
	URL *url.URL
}

// Parser describes an interface for resolving a key to its source.
type Parser interface {
	// ParseSource resolves the given key.
	// If the key is not a supported source, implementations should return an error.
	ParseSource(key string) (Source, error)
}

type parser struct{}

var _ Parser = &parser{}

// ParseSource resolves key as an http(s) URL, a file URL or a filesystem path.
func (p *parser) ParseSource(key string) (Source, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Source{}, fmt.Errorf("%w: empty key", ErrUnsupportedSource)
	}

	if !strings.Contains(key, "://") {
		return Source{Kind: Local, Path: filepath.Clean(key)}, nil
	}

	u, err := url.Parse(key)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return Source{}, fmt.Errorf("%w: missing host in %s", ErrUnsupportedSource, key)
		}
		return Source{Kind: Remote, URL: u}, nil
	case "file":
		if u.Path == "" {
			return Source{}, fmt.Errorf("%w: missing path in %s", ErrUnsupportedSource, key)
		}
		return Source{Kind: Local, Path: filepath.Clean(u.Path)}, nil
	default:
		return Source{}, fmt.Errorf("%w: scheme %q", ErrUnsupportedSource, u.Scheme)
	}
}

// New returns a new Parser.
func New() Parser {
	return &parser{}
}

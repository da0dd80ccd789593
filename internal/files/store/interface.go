// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package store

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/spf13/afero"
)

// Variant identifies one of the two stored renditions of an entity.
type Variant int

const (
	// Small is the thumbnail rendition.
	Small Variant = iota

	// Large is the full rendition.
	Large
)

// ErrUnknownVariant is returned when a variant name cannot be parsed.
var ErrUnknownVariant = errors.New("unknown variant")

// String returns the name of the variant.
func (v Variant) String() string {
	switch v {
	case Small:
		return "small"
	case Large:
		return "large"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// suffix is the file name suffix of the variant.
func (v Variant) suffix() string {
	if v == Small {
		return "s"
	}
	return "l"
}

// ParseVariant parses a variant from its name or file suffix.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "s", "small":
		return Small, nil
	case "l", "large":
		return Large, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

// Key identifies one stored blob.
type Key struct {
	EntityID int64
	Variant  Variant
}

// Observer is notified when a stored blob changes on disk.
type Observer interface {
	OnResourceChanged(entityID int64, variant Variant, path string)
}

// BlobStore describes a persistent store of per-entity image renditions.
// Writes are best effort: failures are logged and never returned.
type BlobStore interface {
	// Path returns the location of the given rendition.
	Path(entityID int64, variant Variant) string

	// Store persists img as the given rendition. Storing the large rendition also derives the small one
	// when it does not exist yet.
	Store(entityID int64, variant Variant, img image.Image)

	// StoreForced is like Store but always derives the small rendition from a large one when forceSmall is set.
	StoreForced(entityID int64, variant Variant, img image.Image, forceSmall bool)

	// Delete removes both renditions after any writes already queued for them. Missing files are ignored.
	Delete(entityID int64)

	// Open opens the given rendition for reading.
	Open(entityID int64, variant Variant) (afero.File, error)

	// AddObserver registers o for change notifications. Observers implementing Alive() bool are dropped
	// once they report false.
	AddObserver(o Observer)

	// RemoveObserver unregisters o.
	RemoveObserver(o Observer)

	// Subscribe returns a channel that will be notified when a blob changes.
	Subscribe() chan Key

	// Flush blocks until pending writes have completed.
	Flush()

	// Close stops watching and writing.
	Close()
}

var (
	// Path is the default directory of the store.
	Path = "/var/cache/fetchcache/thumbnails"

	// SmallSize bounds both dimensions of a derived small rendition.
	SmallSize = 128

	// JPEGQuality is the encoding quality of stored renditions.
	JPEGQuality = 90

	// ExistsTTL is how long the existence of a small rendition is remembered.
	ExistsTTL = 5 * time.Second
)

// ext is the file extension of stored renditions.
const ext = ".jpg"

// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/azure/fetchcache/internal/metrics"
	"github.com/azure/fetchcache/internal/resource"
	"github.com/azure/fetchcache/pkg/urlparser"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	// Registers the webp decoder with image.Decode.
	_ "golang.org/x/image/webp"
)

type operation int

const (
	operationRead operation = iota
	operationDecode
	operationResize
)

func (o operation) String() string {
	switch o {
	case operationRead:
		return "read"
	case operationDecode:
		return "decode"
	case operationResize:
		return "resize"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// errAborted is returned when the batch was cancelled before an item could be finished.
var errAborted = errors.New("batch aborted")

// MaxBodyBytes caps the size of a single fetched resource.
var MaxBodyBytes int64 = 64 * 1024 * 1024

// Options configures an Executor.
type Options struct {
	// Fs is used for local sources. Defaults to the OS filesystem.
	Fs afero.Fs

	// Client is used for remote sources. Its transport is usually the http response cache.
	Client *http.Client

	// Width and Height bound the decoded image. Images are resized to fit when both are positive.
	Width  int
	Height int
}

// Executor fetches and decodes images from local files or remote URLs.
type Executor struct {
	fs     afero.Fs
	client *http.Client
	parser urlparser.Parser
	width  int
	height int

	log     zerolog.Logger
	metrics metrics.Metrics
}

var _ resource.Fetcher[string, image.Image] = &Executor{}

// New creates a new executor.
func New(ctx context.Context, opts Options) *Executor {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}

	return &Executor{
		fs:      opts.Fs,
		client:  opts.Client,
		parser:  urlparser.New(),
		width:   opts.Width,
		height:  opts.Height,
		log:     zerolog.Ctx(ctx).With().Str("component", "fetch").Logger(),
		metrics: metrics.FromContext(ctx),
	}
}

// Fetch fetches keys in order on a new goroutine and sends one result per key as soon as it is ready.
// Failures are reported as results with OK unset. When ctx is done the remaining keys are skipped.
func (e *Executor) Fetch(ctx context.Context, keys []string) <-chan resource.Result[string, image.Image] {
	results := make(chan resource.Result[string, image.Image])
	log := e.log.With().Str("batch", uuid.NewString()).Int("keys", len(keys)).Logger()

	go func() {
		defer close(results)
		log.Debug().Msg("fetch batch start")

		for i, key := range keys {
			img, err := e.fetch(ctx, key)
			if errors.Is(err, errAborted) || ctx.Err() != nil {
				log.Debug().Int("remaining", len(keys)-i).Msg("fetch batch aborted")
				return
			}
			if err != nil {
				log.Debug().Err(err).Str("key", key).Msg("fetch failed")
			}

			select {
			case results <- resource.Result[string, image.Image]{Key: key, Value: img, OK: err == nil}:
			case <-ctx.Done():
				log.Debug().Int("remaining", len(keys)-i).Msg("fetch batch aborted")
				return
			}
		}

		log.Debug().Msg("fetch batch done")
	}()

	return results
}

// fetch reads, decodes and resizes one image.
func (e *Executor) fetch(ctx context.Context, key string) (img image.Image, err error) {
	op := operationRead
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("panic during %v of %s: %v", op, key, r)
		}
	}()

	src, err := e.parser.ParseSource(key)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	b, err := e.read(ctx, src)
	e.metrics.RecordFetch(src.Kind.String(), op.String(), time.Since(start).Seconds(), int64(len(b)), err == nil)
	if err != nil {
		return nil, err
	}

	op = operationDecode
	img, err = imaging.Decode(bytes.NewReader(b), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}

	if e.width <= 0 || e.height <= 0 {
		return img, nil
	}

	if ctx.Err() != nil {
		return nil, errAborted
	}

	op = operationResize
	return imaging.Fit(img, e.width, e.height, imaging.Lanczos), nil
}

// read returns the raw bytes of src.
func (e *Executor) read(ctx context.Context, src urlparser.Source) ([]byte, error) {
	switch src.Kind {
	case urlparser.Local:
		f, err := e.fs.Open(src.Path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, MaxBodyBytes))

	case urlparser.Remote:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL.String(), nil)
		if err != nil {
			return nil, err
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("unexpected status from %s: %v", src.URL.Redacted(), resp.Status)
		}
		return io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))

	default:
		return nil, fmt.Errorf("%w: %v", urlparser.ErrUnsupportedSource, src.Kind)
	}
}

// Size returns the decoded footprint of img: row stride times height for in-memory formats.
func Size(img image.Image) int64 {
	if img == nil {
		return 0
	}

	switch i := img.(type) {
	case *image.NRGBA:
		return int64(i.Stride) * int64(i.Rect.Dy())
	case *image.RGBA:
		return int64(i.Stride) * int64(i.Rect.Dy())
	case *image.Gray:
		return int64(i.Stride) * int64(i.Rect.Dy())
	case *image.YCbCr:
		return int64(len(i.Y) + len(i.Cb) + len(i.Cr))
	}

	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

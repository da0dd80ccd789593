// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package handlers

import (
	"context"
	"errors"
	"image"
	"net/http"
	"strconv"
	"time"

	fcontext "github.com/azure/fetchcache/internal/context"
	"github.com/azure/fetchcache/internal/files/store"
	"github.com/azure/fetchcache/internal/metrics"
	"github.com/azure/fetchcache/internal/resource"
	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
)

var errMissingKey = errors.New("missing key query parameter")

// Attacher hands out cached or fetched images.
type Attacher interface {
	Attach(key string, consumer resource.Consumer[image.Image], skipIfAbsent bool)
	Detach(consumer resource.Consumer[image.Image])
}

// ResourcesHandler serves images by resource key.
type ResourcesHandler struct {
	resources Attacher
	store     store.BlobStore
	metrics   metrics.Metrics
}

var _ gin.HandlerFunc = (&ResourcesHandler{}).Handle

// Handle handles a request for a resource.
// Query parameters: key (required), cached=true to skip fetching, id to persist the result as the large
// rendition of an entity.
func (h *ResourcesHandler) Handle(c *gin.Context) {
	log := fcontext.Logger(c).With().Str("key", fcontext.ResourceKey(c)).Logger()
	log.Debug().Msg("resources handler start")
	s := time.Now()
	defer func() {
		dur := time.Since(s)
		h.metrics.RecordRequest(c.Request.Method, "resources", dur.Seconds())
		log.Debug().Dur("duration", dur).Msg("resources handler stop")
	}()

	key, err := h.fill(c)
	if err != nil {
		log.Debug().Err(err).Msg("failed to fill context")
		// nolint
		c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	f := resource.NewFuture[image.Image]()
	h.resources.Attach(key, f, c.Query("cached") == "true")

	img, ok, err := f.Wait(c.Request.Context())
	if err != nil {
		h.resources.Detach(f)
		log.Debug().Err(err).Msg("client went away")
		c.Abort()
		return
	}

	fcontext.SetResponseHeaders(c)
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	if id, set := c.Get(fcontext.EntityIdCtxKey); set && h.store != nil {
		h.store.Store(id.(int64), store.Large, img)
	}

	c.Header("Content-Type", "image/jpeg")
	c.Status(http.StatusOK)
	if err := imaging.Encode(c.Writer, img, imaging.JPEG); err != nil {
		log.Error().Err(err).Msg("failed to encode image")
	}
}

// fill fills the context with handler specific information.
func (h *ResourcesHandler) fill(c *gin.Context) (string, error) {
	c.Set(fcontext.HandlerCtxKey, "resources")

	key := fcontext.ResourceKey(c)
	if key == "" {
		return "", errMissingKey
	}
	c.Set(fcontext.ResourceKeyCtxKey, key)

	if raw := c.Query("id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", err
		}
		c.Set(fcontext.EntityIdCtxKey, id)
	}

	return key, nil
}

// New creates a new resources handler. The store may be nil.
func New(ctx context.Context, resources Attacher, s store.BlobStore) *ResourcesHandler {
	return &ResourcesHandler{resources: resources, store: s, metrics: metrics.FromContext(ctx)}
}

// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	fcontext "github.com/azure/fetchcache/internal/context"
	"github.com/azure/fetchcache/internal/files/store"
	"github.com/azure/fetchcache/internal/metrics"
	"github.com/gin-gonic/gin"
)

// ThumbnailsHandler serves and deletes stored renditions.
type ThumbnailsHandler struct {
	store   store.BlobStore
	metrics metrics.Metrics
}

var _ gin.HandlerFunc = (&ThumbnailsHandler{}).Handle

// Handle handles GET and HEAD for /thumbnails/:id/:variant and DELETE for /thumbnails/:id.
func (h *ThumbnailsHandler) Handle(c *gin.Context) {
	log := fcontext.Logger(c).With().Str("id", c.Param("id")).Str("variant", c.Param("variant")).Logger()
	log.Debug().Msg("thumbnails handler start")
	s := time.Now()
	defer func() {
		dur := time.Since(s)
		h.metrics.RecordRequest(c.Request.Method, "thumbnails", dur.Seconds())
		log.Debug().Dur("duration", dur).Msg("thumbnails handler stop")
	}()

	c.Set(fcontext.HandlerCtxKey, "thumbnails")
	id, err := fcontext.EntityId(c)
	if err != nil {
		// nolint
		c.AbortWithError(http.StatusBadRequest, err)
		return
	}
	c.Set(fcontext.EntityIdCtxKey, id)
	fcontext.SetResponseHeaders(c)

	if c.Request.Method == http.MethodDelete {
		h.store.Delete(id)
		c.Status(http.StatusNoContent)
		return
	}

	variant, err := store.ParseVariant(c.Param("variant"))
	if err != nil {
		// nolint
		c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	f, err := h.store.Open(id, variant)
	if errors.Is(err, os.ErrNotExist) {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if err != nil {
		// nolint
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	modTime := time.Now()
	if fi, err := f.Stat(); err == nil {
		modTime = fi.ModTime()
	}

	c.Header("Content-Type", "image/jpeg")
	http.ServeContent(c.Writer, c.Request, f.Name(), modTime, f)
}

// New creates a new thumbnails handler.
func New(ctx context.Context, s store.BlobStore) *ThumbnailsHandler {
	return &ThumbnailsHandler{store: s, metrics: metrics.FromContext(ctx)}
}

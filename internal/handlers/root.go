// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package handlers

import (
	"context"
	"net/http"
	"time"

	fcontext "github.com/azure/fetchcache/internal/context"
	"github.com/azure/fetchcache/internal/files/store"
	resourcesHandler "github.com/azure/fetchcache/internal/handlers/resources"
	thumbnailsHandler "github.com/azure/fetchcache/internal/handlers/thumbnails"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Handler creates the HTTP handler of the server.
func Handler(ctx context.Context, resources resourcesHandler.Attacher, s store.BlobStore, gatherer prometheus.Gatherer) http.Handler {
	rh := resourcesHandler.New(ctx, resources, s)
	th := thumbnailsHandler.New(ctx, s)
	mh := gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	engine := newEngine(ctx)
	registerRoutes(engine, rh.Handle, th.Handle, mh)

	return engine
}

// newEngine creates a new gin engine.
func newEngine(ctx context.Context) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	baseLog := zerolog.Ctx(ctx)

	engine.Use(func(c *gin.Context) {
		fcontext.FillCorrelationId(c)
		c.Set(fcontext.LoggerCtxKey, baseLog)

		l := fcontext.Logger(c)
		l.Debug().Msg("request start")
		s := time.Now()

		c.Next()

		status := c.Writer.Status()
		event := l.Info()
		if status >= 400 && status < 500 {
			event = l.Warn()
		} else if status >= 500 {
			event = l.Error()
		}

		if c.Errors != nil {
			errs := []error{}
			for _, e := range c.Errors {
				errs = append(errs, e.Err)
			}
			event = event.Errs("error", errs)
		}

		event.Dur("duration", time.Since(s)).Str("method", c.Request.Method).Str("handler", c.GetString(fcontext.HandlerCtxKey)).Int("status", status).Msg("request served")
	})

	engine.Use(gin.Recovery())
	return engine
}

// registerRoutes registers the routes for the HTTP server.
func registerRoutes(engine *gin.Engine, r, t, m gin.HandlerFunc) {
	engine.GET("/resources", r)

	engine.HEAD("/thumbnails/:id/:variant", t)
	engine.GET("/thumbnails/:id/:variant", t)
	engine.DELETE("/thumbnails/:id", t)

	engine.GET("/metrics", m)
}

// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package context

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Context keys.
const (
	CorrelationIdCtxKey = "correlation_id"
	ResourceKeyCtxKey   = "resource_key"
	EntityIdCtxKey      = "entity_id"
	HandlerCtxKey       = "handler"
	LoggerCtxKey        = "logger"
)

// Request headers.
const (
	CorrelationHeaderKey = "X-Fetchcache-Correlation-Id"
	NodeHeaderKey        = "X-Fetchcache-Node"
)

var (
	NodeName, _ = os.Hostname()
)

// FillCorrelationId sets the correlation id of the request, generating one if the caller did not send it.
func FillCorrelationId(c *gin.Context) {
	correlationId := c.Request.Header.Get(CorrelationHeaderKey)
	if correlationId == "" {
		correlationId = uuid.New().String()
	}
	c.Set(CorrelationIdCtxKey, correlationId)
}

// Logger gets the logger with request specific fields.
func Logger(c *gin.Context) zerolog.Logger {
	var l zerolog.Logger
	obj, ok := c.Get(LoggerCtxKey)
	if !ok {
		fmt.Println("WARN: logger not found in context")
		l = zerolog.Nop()
	} else {
		ctxLog := obj.(*zerolog.Logger)
		l = *ctxLog
	}

	return l.With().Str("correlationid", c.GetString(CorrelationIdCtxKey)).Str("url", c.Request.URL.String()).Str("ip", c.ClientIP()).Logger()
}

// SetResponseHeaders sets the mandatory headers on every response.
func SetResponseHeaders(c *gin.Context) {
	c.Header(CorrelationHeaderKey, c.GetString(CorrelationIdCtxKey))
	c.Header(NodeHeaderKey, NodeName)
}

// ResourceKey extracts the resource key from the request query.
func ResourceKey(c *gin.Context) string {
	return strings.TrimSpace(c.Query("key"))
}

// EntityId parses the entity id path parameter.
func EntityId(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid entity id %q: %w", c.Param("id"), err)
	}
	return id, nil
}

// Merge merges multiple input channels into a single output channel.
// It starts a goroutine for each input channel and sends the values from each input channel to the output channel.
// Once all input channels are closed, it closes the output channel.
// The function returns the output channel.
func Merge[T any](cs ...<-chan T) <-chan T {
	var wg sync.WaitGroup
	out := make(chan T)

	output := func(c <-chan T) {
		for n := range c {
			out <- n
		}
		wg.Done()
	}
	wg.Add(len(cs))
	for _, c := range cs {
		go output(c)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

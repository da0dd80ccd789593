// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package handlers

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/azure/fetchcache/internal/files/store"
	"github.com/azure/fetchcache/internal/resource"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var simpleOKHandler = gin.HandlerFunc(func(c *gin.Context) {
	c.Status(http.StatusOK)
})

func TestRoutesRegistrations(t *testing.T) {
	_, me := gin.CreateTestContext(httptest.NewRecorder())
	registerRoutes(me, simpleOKHandler, simpleOKHandler, simpleOKHandler)

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{"resources", http.MethodGet, "/resources?key=/tmp/a.png", http.StatusOK},
		{"thumbnail", http.MethodGet, "/thumbnails/42/small", http.StatusOK},
		{"thumbnail head", http.MethodHead, "/thumbnails/42/large", http.StatusOK},
		{"thumbnail delete", http.MethodDelete, "/thumbnails/42", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"unknown", http.MethodGet, "/blobs/abc", http.StatusNotFound},
		{"thumbnail without variant", http.MethodGet, "/thumbnails/42", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}

			recorder := httptest.NewRecorder()
			me.ServeHTTP(recorder, req)

			if recorder.Code != tt.expectedStatus {
				t.Errorf("%s: expected status code %d, got %d", tt.name, tt.expectedStatus, recorder.Code)
			}
		})
	}
}

type missingAttacher struct{}

func (missingAttacher) Attach(_ string, consumer resource.Consumer[image.Image], _ bool) {
	consumer.Apply(nil, false)
}

func (missingAttacher) Detach(resource.Consumer[image.Image]) {}

func TestHandler(t *testing.T) {
	s, err := store.NewMockStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "fetchcache_test_total", Help: "test"}))

	h := Handler(context.Background(), missingAttacher{}, s, reg)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/resources?key=/nope.png", nil)
	h.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusNotFound {
		t.Errorf("expected status code %d, got %d", http.StatusNotFound, recorder.Code)
	}

	recorder = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	h.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "fetchcache_test_total") {
		t.Errorf("unexpected metrics response: %d %s", recorder.Code, recorder.Body.String())
	}
}

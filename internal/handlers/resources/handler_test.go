// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package handlers

import (
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/azure/fetchcache/internal/files/store"
	"github.com/azure/fetchcache/internal/resource"
	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeAttacher resolves keys from a map, or never resolves them when blocking is set.
type fakeAttacher struct {
	images   map[string]image.Image
	blocking bool
	skipped  atomic.Int32
	detached atomic.Int32
}

func (f *fakeAttacher) Attach(key string, consumer resource.Consumer[image.Image], skipIfAbsent bool) {
	if skipIfAbsent {
		f.skipped.Add(1)
	}
	if f.blocking {
		return
	}
	img, ok := f.images[key]
	consumer.Apply(img, ok)
}

func (f *fakeAttacher) Detach(resource.Consumer[image.Image]) {
	f.detached.Add(1)
}

func newTestContext(t *testing.T, rawQuery string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:5000/resources?"+rawQuery, nil)
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = req
	return ctx, recorder
}

func newFakeAttacher() *fakeAttacher {
	return &fakeAttacher{images: map[string]image.Image{
		"/images/a.png": imaging.New(16, 8, color.NRGBA{R: 255, A: 255}),
	}}
}

func TestMissingKey(t *testing.T) {
	h := New(context.Background(), newFakeAttacher(), nil)
	ctx, recorder := newTestContext(t, "")

	h.Handle(ctx)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestUnknownResource(t *testing.T) {
	h := New(context.Background(), newFakeAttacher(), nil)
	ctx, recorder := newTestContext(t, "key="+url.QueryEscape("/images/missing.png"))

	h.Handle(ctx)
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestServesResourceAndStoresIt(t *testing.T) {
	s, err := store.NewMockStore(context.Background())
	require.NoError(t, err)
	defer s.Close()

	a := newFakeAttacher()
	h := New(context.Background(), a, s)
	ctx, recorder := newTestContext(t, "key="+url.QueryEscape("/images/a.png")+"&id=42&cached=true")

	h.Handle(ctx)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "image/jpeg", recorder.Header().Get("Content-Type"))
	require.Equal(t, int32(1), a.skipped.Load())

	img, err := imaging.Decode(recorder.Body)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 16, 8), img.Bounds())

	s.Flush()
	for _, v := range []store.Variant{store.Large, store.Small} {
		ok, err := afero.Exists(s.Fs(), s.Path(42, v))
		require.NoError(t, err)
		require.True(t, ok, v.String())
	}
}

func TestInvalidEntityId(t *testing.T) {
	h := New(context.Background(), newFakeAttacher(), nil)
	ctx, recorder := newTestContext(t, "key="+url.QueryEscape("/images/a.png")+"&id=abc")

	h.Handle(ctx)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestClientGoneDetaches(t *testing.T) {
	a := newFakeAttacher()
	a.blocking = true
	h := New(context.Background(), a, nil)

	ctx, _ := newTestContext(t, "key="+url.QueryEscape("/images/a.png"))
	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	ctx.Request = ctx.Request.WithContext(reqCtx)

	h.Handle(ctx)
	require.True(t, ctx.IsAborted())
	require.Equal(t, int32(1), a.detached.Load())
}

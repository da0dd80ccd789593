// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package store

import (
	"context"

	"github.com/spf13/afero"
)

// MockStore is a blob store backed by an in-memory filesystem.
type MockStore struct {
	*blobStore
}

var _ BlobStore = &MockStore{}

// Fs returns the in-memory filesystem of the store.
func (m *MockStore) Fs() afero.Fs {
	return m.blobStore.fs
}

// NewMockStore creates a store over a fresh in-memory filesystem.
func NewMockStore(ctx context.Context) (*MockStore, error) {
	s, err := newBlobStore(ctx, Options{Fs: afero.NewMemMapFs(), Dir: Path})
	if err != nil {
		return nil, err
	}
	return &MockStore{s}, nil
}

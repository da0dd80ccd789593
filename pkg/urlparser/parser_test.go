// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package urlparser

import (
	"errors"
	"testing"
)

func TestParser(t *testing.T) {
	p := New()
	if p == nil {
		t.Errorf("expected non-nil parser")
	}

	for _, test := range []struct {
		key   string
		valid bool
		kind  Kind
		path  string
		host  string
	}{
		{key: "/var/lib/thumbs/42_l.jpg", valid: true, kind: Local, path: "/var/lib/thumbs/42_l.jpg"},
		{key: "images/../images/a.png", valid: true, kind: Local, path: "images/a.png"},
		{key: "file:///tmp/a.png", valid: true, kind: Local, path: "/tmp/a.png"},
		{key: "https://example.com/a.png?x=1", valid: true, kind: Remote, host: "example.com"},
		{key: "HTTP://example.com/a.png", valid: true, kind: Remote, host: "example.com"},
		{key: "", valid: false},
		{key: "   ", valid: false},
		{key: "ftp://example.com/a.png", valid: false},
		{key: "https:///a.png", valid: false},
		{key: "file://", valid: false},
	} {
		got, err := p.ParseSource(test.key)
		if !test.valid {
			if !errors.Is(err, ErrUnsupportedSource) {
				t.Errorf("key %q: expected %v, got %v", test.key, ErrUnsupportedSource, err)
			}
			continue
		}

		if err != nil {
			t.Errorf("key %q: expected no error, got %v", test.key, err)
			continue
		}

		if got.Kind != test.kind {
			t.Errorf("key %q: expected kind %v, got %v", test.key, test.kind, got.Kind)
		}

		if test.kind == Local && got.Path != test.path {
			t.Errorf("key %q: expected path %s, got %s", test.key, test.path, got.Path)
		}

		if test.kind == Remote && got.URL.Host != test.host {
			t.Errorf("key %q: expected host %s, got %s", test.key, test.host, got.URL.Host)
		}
	}
}

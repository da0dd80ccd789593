// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package httpcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/opencontainers/go-digest"
)

// ErrCorruptRecord is returned when a persisted record cannot be trusted.
var ErrCorruptRecord = errors.New("corrupt cache record")

// Record is a fully read response together with the request identity it was cached for.
type Record struct {
	URL             string        `json:"url"`
	Method          string        `json:"method"`
	StatusCode      int           `json:"status_code"`
	Status          string        `json:"status"`
	Proto           string        `json:"proto"`
	Header          http.Header   `json:"header"`
	ContentType     string        `json:"content_type,omitempty"`
	ContentEncoding string        `json:"content_encoding,omitempty"`
	ContentLength   int64         `json:"content_length"`
	Digest          digest.Digest `json:"digest"`
	Body            []byte        `json:"body"`
}

// newRecord captures resp, whose body has already been read into body.
func newRecord(req *http.Request, resp *http.Response, body []byte) *Record {
	proto := resp.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}

	return &Record{
		URL:             req.URL.String(),
		Method:          req.Method,
		StatusCode:      resp.StatusCode,
		Status:          resp.Status,
		Proto:           proto,
		Header:          resp.Header.Clone(),
		ContentType:     resp.Header.Get("Content-Type"),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		ContentLength:   int64(len(body)),
		Digest:          digest.FromBytes(body),
		Body:            body,
	}
}

// Matches reports whether the record was stored for method and url.
func (r *Record) Matches(method, url string) bool {
	return r.Method == method && r.URL == url
}

// Size approximates the memory footprint of the record.
func (r *Record) Size() int64 {
	n := int64(len(r.Body) + len(r.URL) + len(r.Method) + len(r.Status))
	for k, vs := range r.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Response builds a fresh response that replays the record for req.
func (r *Record) Response(req *http.Request) *http.Response {
	major, minor, ok := http.ParseHTTPVersion(r.Proto)
	if !ok {
		major, minor = 1, 1
	}

	status := r.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode))
	}

	return &http.Response{
		Status:        status,
		StatusCode:    r.StatusCode,
		Proto:         r.Proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// encodeRecord writes a record to w. It satisfies writer.Encoder.
func encodeRecord(w io.Writer, obj any) error {
	rec, ok := obj.(*Record)
	if !ok {
		return fmt.Errorf("unexpected object type %T", obj)
	}
	return json.NewEncoder(w).Encode(rec)
}

// decodeRecord parses and verifies a persisted record.
func decodeRecord(b []byte) (*Record, error) {
	rec := &Record{}
	if err := json.Unmarshal(b, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	if rec.URL == "" || rec.Method == "" || rec.StatusCode == 0 {
		return nil, fmt.Errorf("%w: missing request identity", ErrCorruptRecord)
	}

	if err := rec.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	v := rec.Digest.Verifier()
	if _, err := v.Write(rec.Body); err != nil || !v.Verified() {
		return nil, fmt.Errorf("%w: body digest mismatch", ErrCorruptRecord)
	}

	return rec, nil
}

// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package documents

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrUnsupportedScheme is returned for document URIs without a registered source.
var ErrUnsupportedScheme = errors.New("unsupported document source")

// importNamespace seeds the name-based ids of imported documents.
var importNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("lexflow:documents"))

// Source fetches raw objects from a remote store such as S3, GCS or Azure Blob.
type Source interface {
	// Scheme is the URI scheme handled by the source, e.g. "s3".
	Scheme() string

	// Fetch reads the object at bucket/key.
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// Loader imports documents from remote sources into a Store.
type Loader struct {
	store   Store
	sources map[string]Source
}

// NewLoader creates a loader writing into store.
func NewLoader(store Store, sources ...Source) *Loader {
	l := &Loader{store: store, sources: make(map[string]Source)}
	for _, s := range sources {
		l.sources[s.Scheme()] = s
	}
	return l
}

// Schemes lists the registered URI schemes.
func (l *Loader) Schemes() []string {
	out := make([]string, 0, len(l.sources))
	for s := range l.sources {
		out = append(out, s)
	}
	return out
}

// Load fetches uri (scheme://bucket/key) and stores it as a text document in
// scope. Binary content is rejected; text extraction happens upstream.
// Importing the same object into the same scope again yields the same id
// until its content changes.
func (l *Loader) Load(ctx context.Context, scopeID, uri string) (*Document, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid document uri %q: %w", uri, err)
	}
	src, ok := l.sources[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return nil, fmt.Errorf("document uri %q must name a bucket and key", uri)
	}

	raw, err := src.Fetch(ctx, u.Host, key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("document %s is not UTF-8 text", uri)
	}

	doc := &Document{
		ID:      importID(scopeID, uri, raw),
		ScopeID: scopeID,
		Name:    path.Base(key),
		Content: string(raw),
		Source:  uri,
	}
	if err := l.store.Put(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func importID(scopeID, uri string, content []byte) string {
	sum := sha256.Sum256(content)
	name := make([]byte, 0, len(scopeID)+len(uri)+len(sum)+2)
	name = append(name, scopeID...)
	name = append(name, 0)
	name = append(name, uri...)
	name = append(name, 0)
	name = append(name, sum[:]...)
	return uuid.NewSHA1(importNamespace, name).String()
}

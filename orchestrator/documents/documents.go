// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package documents holds the case documents tools work on and the retrieval
// capability used by search tools and the evidence check.
package documents

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is the extracted text of one uploaded file.
type Document struct {
	ID        string            `json:"id"`
	ScopeID   string            `json:"scope_id"`
	Name      string            `json:"name"`
	Content   string            `json:"content"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Pages splits the content on form feeds. A document without form feeds is
// a single page.
func (d *Document) Pages() []string {
	return strings.Split(d.Content, "\f")
}

// Passage is one ranked retrieval hit.
type Passage struct {
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Source     string  `json:"source"`
	Page       int     `json:"page"`
	Score      float64 `json:"score"`
}

// Retriever returns ranked passages for a query within a scope.
type Retriever interface {
	Retrieve(ctx context.Context, scopeID, query string, k int, strategy string) ([]Passage, error)
}

// Store reads and writes documents.
type Store interface {
	Put(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	GetMany(ctx context.Context, ids []string) ([]*Document, error)
	ListByScope(ctx context.Context, scopeID string) ([]*Document, error)
}

// Tokenize lowercases text and splits it into letter/digit runs of at least
// two runes. It works for Cyrillic and Latin text alike.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

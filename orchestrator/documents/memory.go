// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package documents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Retrieval strategies understood by MemoryStore.
const (
	StrategyKeyword = "keyword"
	StrategyExact   = "exact"
)

// MemoryStore keeps documents in memory and ranks passages by keyword
// overlap. It implements both Store and Retriever.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, doc *Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	c := *doc
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[c.ID] = &c
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c := *d
	return &c, nil
}

// GetMany implements Store. Unknown ids fail the whole call.
func (s *MemoryStore) GetMany(ctx context.Context, ids []string) ([]*Document, error) {
	out := make([]*Document, 0, len(ids))
	for _, id := range ids {
		d, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ListByScope implements Store. Documents are ordered by id.
func (s *MemoryStore) ListByScope(_ context.Context, scopeID string) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Document
	for _, d := range s.docs {
		if d.ScopeID == scopeID {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Retrieve implements Retriever. Passages are paragraphs; the score is the
// share of distinct query terms found in the passage. The exact strategy
// only returns passages containing the whole query.
func (s *MemoryStore) Retrieve(ctx context.Context, scopeID, query string, k int, strategy string) ([]Passage, error) {
	if k <= 0 {
		k = 5
	}
	docs, err := s.ListByScope(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	terms := uniqueTerms(Tokenize(query))
	needle := strings.ToLower(strings.TrimSpace(query))
	if len(terms) == 0 && needle == "" {
		return nil, nil
	}

	var hits []Passage
	for _, d := range docs {
		for pageIdx, page := range d.Pages() {
			for _, para := range splitParagraphs(page) {
				var score float64
				if strategy == StrategyExact {
					if !strings.Contains(strings.ToLower(para), needle) {
						continue
					}
					score = 1
				} else {
					score = overlap(terms, para)
					if score == 0 {
						continue
					}
				}
				hits = append(hits, Passage{
					DocumentID: d.ID,
					Content:    para,
					Source:     d.Name,
					Page:       pageIdx + 1,
					Score:      score,
				})
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocumentID != hits[j].DocumentID {
			return hits[i].DocumentID < hits[j].DocumentID
		}
		return hits[i].Page < hits[j].Page
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func splitParagraphs(page string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(page, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func overlap(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	present := make(map[string]bool)
	for _, t := range Tokenize(text) {
		present[t] = true
	}
	matched := 0
	for _, t := range terms {
		if present[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

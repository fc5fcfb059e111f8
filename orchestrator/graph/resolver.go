// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package graph resolves task prerequisites and orders plan steps into
// dependency levels.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycleDetected indicates a circular dependency was found.
var ErrCycleDetected = errors.New("circular dependency detected")

// UnknownTaskError is returned when a task name has no definition.
type UnknownTaskError struct {
	Task string
	// RequiredBy is set when the unknown name appears as a prerequisite.
	RequiredBy string
}

func (e *UnknownTaskError) Error() string {
	if e.RequiredBy != "" {
		return fmt.Sprintf("unknown task %q (prerequisite of %q)", e.Task, e.RequiredBy)
	}
	return fmt.Sprintf("unknown task %q", e.Task)
}

// CycleError reports the nodes that form a cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected.Error(), strings.Join(e.Path, " -> "))
}

// Unwrap lets errors.Is match ErrCycleDetected.
func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// Resolver expands requested tasks to their transitive prerequisites and
// orders them. The prerequisite map is validated once at construction and
// is read-only afterwards, so a Resolver is safe for concurrent use.
type Resolver struct {
	prereqs map[string][]string
}

// NewResolver validates the static prerequisite map. Unknown prerequisite
// names and cycles are configuration errors.
func NewResolver(prereqs map[string][]string) (*Resolver, error) {
	copied := make(map[string][]string, len(prereqs))
	for task, deps := range prereqs {
		sorted := append([]string(nil), deps...)
		sort.Strings(sorted)
		copied[task] = dedupe(sorted)
	}

	for _, task := range sortedKeys(copied) {
		for _, dep := range copied[task] {
			if _, ok := copied[dep]; !ok {
				return nil, &UnknownTaskError{Task: dep, RequiredBy: task}
			}
		}
	}

	if path := findCycle(copied); path != nil {
		return nil, &CycleError{Path: path}
	}

	return &Resolver{prereqs: copied}, nil
}

// MustNewResolver is NewResolver for package-level catalogs; it panics on
// an invalid map.
func MustNewResolver(prereqs map[string][]string) *Resolver {
	r, err := NewResolver(prereqs)
	if err != nil {
		panic(fmt.Sprintf("graph: invalid prerequisite map: %v", err))
	}
	return r
}

// Known reports whether the task has a definition.
func (r *Resolver) Known(task string) bool {
	_, ok := r.prereqs[task]
	return ok
}

// Prerequisites returns the direct prerequisites of a task.
func (r *Resolver) Prerequisites(task string) []string {
	return append([]string(nil), r.prereqs[task]...)
}

// Resolve returns the requested tasks plus all transitive prerequisites in
// an order where every task follows its prerequisites. Requested tasks are
// visited in request order and prerequisites alphabetically, so the output
// is deterministic.
func (r *Resolver) Resolve(requested []string) ([]string, error) {
	for _, task := range requested {
		if !r.Known(task) {
			return nil, &UnknownTaskError{Task: task}
		}
	}

	visited := make(map[string]bool)
	order := make([]string, 0, len(requested))

	var visit func(task string)
	visit = func(task string) {
		if visited[task] {
			return
		}
		visited[task] = true
		for _, dep := range r.prereqs[task] {
			visit(dep)
		}
		order = append(order, task)
	}

	for _, task := range requested {
		visit(task)
	}
	return order, nil
}

// Closure returns the set of tasks reachable from requested through the
// prerequisite relation, requested tasks included.
func (r *Resolver) Closure(requested []string) (map[string]bool, error) {
	order, err := r.Resolve(requested)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(order))
	for _, t := range order {
		set[t] = true
	}
	return set, nil
}

// findCycle returns the first cycle found by a coloring DFS, or nil.
func findCycle(edges map[string][]string) []string {
	// 0 = unvisited, 1 = in progress, 2 = done
	colors := make(map[string]int, len(edges))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)
		for _, dep := range edges[id] {
			switch colors[dep] {
			case 1:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), dep)
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range sortedKeys(edges) {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

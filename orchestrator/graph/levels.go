// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package graph

import (
	"fmt"
	"strings"
)

// Node is a schedulable unit with dependencies, typically a plan step.
type Node struct {
	ID        string
	DependsOn []string
}

// Violation describes why a node breaks the ordering invariant.
type Violation struct {
	NodeID string
	Reason string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.NodeID, v.Reason)
}

// OrderError lists every violation found by Validate.
type OrderError struct {
	Violations []Violation
}

func (e *OrderError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "invalid dependency order: " + strings.Join(parts, "; ")
}

// NodeIDs returns the ids of the violating nodes.
func (e *OrderError) NodeIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, v := range e.Violations {
		if !seen[v.NodeID] {
			seen[v.NodeID] = true
			ids = append(ids, v.NodeID)
		}
	}
	return ids
}

// Validate checks duplicate ids, self references, dangling references and
// cycles. It returns an *OrderError listing every violation.
func Validate(nodes []Node) error {
	var violations []Violation
	index := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			violations = append(violations, Violation{NodeID: "<empty>", Reason: "missing id"})
			continue
		}
		if index[n.ID] {
			violations = append(violations, Violation{NodeID: n.ID, Reason: "duplicate id"})
		}
		index[n.ID] = true
	}

	edges := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			switch {
			case dep == n.ID:
				violations = append(violations, Violation{NodeID: n.ID, Reason: "depends on itself"})
			case !index[dep]:
				violations = append(violations, Violation{NodeID: n.ID, Reason: fmt.Sprintf("depends on unknown step %q", dep)})
			default:
				edges[n.ID] = append(edges[n.ID], dep)
			}
		}
		if _, ok := edges[n.ID]; !ok {
			edges[n.ID] = nil
		}
	}

	if path := findCycle(edges); path != nil {
		violations = append(violations, Violation{
			NodeID: path[0],
			Reason: fmt.Sprintf("%s: %s", ErrCycleDetected.Error(), strings.Join(path, " -> ")),
		})
	}

	if len(violations) > 0 {
		return &OrderError{Violations: violations}
	}
	return nil
}

// Levels partitions nodes into dependency levels: level 0 holds nodes with
// no dependencies, level n holds nodes whose dependencies all sit in levels
// below n. Within a level nodes keep their input order.
func Levels(nodes []Node) ([][]string, error) {
	if err := Validate(nodes); err != nil {
		return nil, err
	}

	level := make(map[string]int, len(nodes))
	remaining := append([]Node(nil), nodes...)
	var levels [][]string

	for len(remaining) > 0 {
		var current []string
		var next []Node
		for _, n := range remaining {
			ready := true
			for _, dep := range n.DependsOn {
				if l, ok := level[dep]; !ok || l >= len(levels) {
					ready = false
					break
				}
			}
			if ready {
				current = append(current, n.ID)
			} else {
				next = append(next, n)
			}
		}
		if len(current) == 0 {
			// Validate rejects cycles, so this only guards against misuse.
			return nil, ErrCycleDetected
		}
		for _, id := range current {
			level[id] = len(levels)
		}
		levels = append(levels, current)
		remaining = next
	}
	return levels, nil
}

// LevelOf maps each node id to its level index.
func LevelOf(levels [][]string) map[string]int {
	out := make(map[string]int)
	for i, ids := range levels {
		for _, id := range ids {
			out[id] = i
		}
	}
	return out
}

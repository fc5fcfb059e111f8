// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinition is returned for definitions missing an id or name.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// ParseDefinition decodes one YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	if def.ID == "" || def.Name == "" {
		return nil, fmt.Errorf("%w: id and name are required", ErrInvalidDefinition)
	}
	for _, s := range def.DefaultPlan {
		if s == nil || s.ID == "" {
			return nil, fmt.Errorf("%w: %s has a step without id", ErrInvalidDefinition, def.ID)
		}
		if s.Status == "" {
			s.Status = StepPending
		}
	}
	return &def, nil
}

// LoadDefinitions reads every *.yaml and *.yml file in dir, in file name
// order. A missing directory yields no definitions.
func LoadDefinitions(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read definitions dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read definition %s: %w", name, err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if prev, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("%w: id %s declared by %s and %s", ErrInvalidDefinition, def.ID, prev, name)
		}
		seen[def.ID] = name
		defs = append(defs, def)
	}
	return defs, nil
}

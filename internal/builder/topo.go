// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"sort"
)

// topoSortOutputs orders output names so that every output
// appears after the outputs it references.
// references maps an output name to the sibling output names it refers to;
// outputs treated as leaves map to nil.
// The sort is deterministic for a given reference graph.
// A reference cycle produces a *BuildError naming the cycle edge.
func topoSortOutputs(drvPathForError string, references map[string][]string) ([]string, error) {
	names := make([]string, 0, len(references))
	for name := range references {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(references))
	result := make([]string, 0, len(references))

	var visit func(name, parent string) error
	visit = func(name, parent string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return buildErrorf("cycle detected in build of '%s' in the references of output '%s' from output '%s'",
				drvPathForError, name, parent)
		}
		state[name] = visiting
		children := append([]string(nil), references[name]...)
		sort.Strings(children)
		for _, child := range children {
			if _, known := references[child]; !known {
				continue
			}
			if err := visit(child, name); err != nil {
				return err
			}
		}
		state[name] = done
		result = append(result, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name, name); err != nil {
			return nil, err
		}
	}
	return result, nil
}

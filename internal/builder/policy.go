// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"crucible.build/pkg/sets"
	"crucible.build/pkg/store"
)

// checkOutputs applies the declared output policies
// to the freshly finalized outputs.
// It runs after the outputs' metadata is known
// but before any error surfaces to the caller,
// so every violating path can be enumerated.
func (b *Builder) checkOutputs(ctx context.Context, infos map[string]*store.ObjectInfo) error {
	outputsByPath := make(map[store.Path]*store.ObjectInfo, len(infos))
	for _, info := range infos {
		outputsByPath[info.StorePath] = info
	}

	// getClosure walks references breadth-first.
	// Sibling outputs may not be registered yet,
	// so they are resolved from this build before consulting the store.
	getClosure := func(path store.Path) (sets.Set[store.Path], int64, error) {
		closure := make(sets.Set[store.Path])
		var closureSize int64
		queue := []store.Path{path}
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			if closure.Has(p) {
				continue
			}
			closure.Add(p)

			var refs *sets.Sorted[store.Path]
			if info := outputsByPath[p]; info != nil {
				closureSize += info.NARSize
				refs = info.References.ToSet(info.StorePath)
			} else {
				info, err := b.store.QueryPathInfo(ctx, p)
				if err != nil {
					return nil, 0, fmt.Errorf("closure of %s: %v", path, err)
				}
				closureSize += info.NARSize
				refs = info.References.ToSet(info.StorePath)
			}
			for ref := range refs.Values() {
				queue = append(queue, ref)
			}
		}
		return closure, closureSize, nil
	}

	// resolveSpec parses reference specifiers:
	// each element is either a store path
	// or the symbolic name of a sibling output.
	resolveSpec := func(outputName string, value []string) (sets.Set[store.Path], error) {
		spec := make(sets.Set[store.Path])
		for _, elem := range value {
			if p, err := store.ParsePath(elem); err == nil && p.Dir() == b.store.Dir() {
				spec.Add(p)
				continue
			}
			if sibling := infos[elem]; sibling != nil {
				spec.Add(sibling.StorePath)
				continue
			}
			outputNames := make([]string, 0, len(infos))
			for name := range infos {
				outputNames = append(outputNames, name)
			}
			sort.Strings(outputNames)
			return nil, buildErrorf("derivation '%s' output check for '%s' contains an illegal reference specifier '%s', expected store path or output name (one of [%s])",
				b.drvPath, outputName, elem, strings.Join(outputNames, ", "))
		}
		return spec, nil
	}

	outputNames := make([]string, 0, len(infos))
	for outputName := range infos {
		outputNames = append(outputNames, outputName)
	}
	sort.Strings(outputNames)

	for _, outputName := range outputNames {
		info := infos[outputName]
		checks := b.drvOptions.checksFor(outputName)
		if checks == nil {
			continue
		}

		if checks.maxSize != 0 && info.NARSize > checks.maxSize {
			return buildErrorf("path '%s' is too large at %d bytes; limit is %d bytes",
				info.StorePath, info.NARSize, checks.maxSize)
		}
		if checks.maxClosureSize != 0 {
			_, closureSize, err := getClosure(info.StorePath)
			if err != nil {
				return err
			}
			if closureSize > checks.maxClosureSize {
				return buildErrorf("closure of path '%s' is too large at %d bytes; limit is %d bytes",
					info.StorePath, closureSize, checks.maxClosureSize)
			}
		}

		checkRefs := func(value []string, allowed, recursive bool) error {
			spec, err := resolveSpec(outputName, value)
			if err != nil {
				return err
			}

			var used sets.Set[store.Path]
			if recursive {
				closure, _, err := getClosure(info.StorePath)
				if err != nil {
					return err
				}
				used = closure
				if checks.ignoreSelfRefs {
					used.Delete(info.StorePath)
				}
			} else {
				used = make(sets.Set[store.Path])
				used.AddSeq(info.References.ToSet(info.StorePath).Values())
			}

			var badPaths []store.Path
			for p := range used.All() {
				if allowed != spec.Has(p) {
					badPaths = append(badPaths, p)
				}
			}
			if len(badPaths) > 0 {
				sort.Slice(badPaths, func(i, j int) bool { return badPaths[i] < badPaths[j] })
				sb := new(strings.Builder)
				for _, p := range badPaths {
					sb.WriteString("\n  ")
					sb.WriteString(string(p))
				}
				return buildErrorf("output '%s' is not allowed to refer to the following paths:%s",
					info.StorePath, sb.String())
			}
			return nil
		}

		// A nil allow list and an empty allow list mean different things.
		if checks.allowedReferences != nil {
			if err := checkRefs(checks.allowedReferences, true, false); err != nil {
				return err
			}
		}
		if checks.allowedRequisites != nil {
			if err := checkRefs(checks.allowedRequisites, true, true); err != nil {
				return err
			}
		}
		if len(checks.disallowedReferences) > 0 {
			if err := checkRefs(checks.disallowedReferences, false, false); err != nil {
				return err
			}
		}
		if len(checks.disallowedRequisites) > 0 {
			if err := checkRefs(checks.disallowedRequisites, false, true); err != nil {
				return err
			}
		}
	}
	return nil
}

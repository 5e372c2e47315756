// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"

	"crucible.build/pkg/internal/detect"
	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/internal/storepath"
	"crucible.build/pkg/store"
	"zombiezen.com/go/nix"
)

// fallbackPathForOutput returns the scratch store path
// for an output whose final path is not known before the build.
// The path type is deliberately bogus
// ("rewrite:<drvPath>:name:<outputName>")
// so it cannot collide with any real store path,
// and the content hash is all zeroes.
// The result is deterministic for a given derivation and output.
func fallbackPathForOutput(drvPath store.Path, outputName string) (store.Path, error) {
	drvName, ok := drvPath.DerivationName()
	if !ok {
		return "", fmt.Errorf("make fallback path: %s is not a derivation", drvPath)
	}
	h := sha256.New()
	io.WriteString(h, "rewrite:")
	io.WriteString(h, string(drvPath))
	io.WriteString(h, ":name:")
	io.WriteString(h, outputName)
	return makeFallbackPath(drvPath.Dir(), h, store.OutputPathName(drvName, outputName))
}

func makeFallbackPath(dir store.Directory, h hash.Hash, name string) (store.Path, error) {
	zeroHash := nix.NewHash(nix.SHA256, make([]byte, nix.SHA256.Size()))
	digest := storepath.MakeDigest(h, string(dir), zeroHash, name)
	p, err := dir.Object(digest + "-" + name)
	if err != nil {
		return "", fmt.Errorf("make fallback path for %s: %v", name, err)
	}
	return p, nil
}

// fallbackPathForPath returns the scratch store path
// used to displace a known output path that already exists in the store.
func fallbackPathForPath(drvPath, origPath store.Path) (store.Path, error) {
	h := sha256.New()
	io.WriteString(h, "rewrite:")
	io.WriteString(h, string(drvPath))
	io.WriteString(h, ":")
	io.WriteString(h, string(origPath))
	return makeFallbackPath(drvPath.Dir(), h, origPath.Name())
}

// initialOutput describes what is known about an output before the build.
type initialOutput struct {
	// knownPath is the output's final path, if known a priori.
	knownPath store.Path
	// valid is true if knownPath is registered in the store.
	valid bool
	// wanted is false once the registrar decides
	// the already-valid path can be reused as-is.
	wanted bool
}

// computeScratchOutputs decides the store path each output is built at.
//
// Every scratch path is either identical to the final path
// or unique to this build and deleted on success:
//
//   - an unknown final path gets a deterministic fallback path;
//   - when the sandbox hides existing store paths,
//     the final path is used directly;
//   - a final path that exists and is valid is displaced
//     to a fallback path so the existing object is not clobbered.
func (b *Builder) computeScratchOutputs() error {
	b.scratchOutputs = make(map[string]store.Path, len(b.drv.Outputs))
	b.redirectedOutputs = make(map[string]store.Path)
	for outputName, initial := range b.initialOutputs {
		switch {
		case initial.knownPath == "":
			scratch, err := fallbackPathForOutput(b.drvPath, outputName)
			if err != nil {
				return err
			}
			b.scratchOutputs[outputName] = scratch
		case b.sandboxHidesStorePaths():
			b.scratchOutputs[outputName] = initial.knownPath
		case initial.valid:
			scratch, err := fallbackPathForPath(b.drvPath, initial.knownPath)
			if err != nil {
				return err
			}
			b.scratchOutputs[outputName] = scratch
			b.redirectedOutputs[outputName] = scratch
			// The build must see its declared path;
			// rewrite it to the displaced location on the way in
			// and back on the way out.
			b.inputRewrites[initial.knownPath.Digest()] = scratch.Digest()
		default:
			b.scratchOutputs[outputName] = initial.knownPath
		}
	}
	return nil
}

// sandboxHidesStorePaths reports whether the build
// cannot observe existing store objects at their final paths,
// making displacement unnecessary.
func (b *Builder) sandboxHidesStorePaths() bool {
	return b.useChroot
}

// rewriteFileTree applies digest rewrites to the store object at path:
// its NAR serialization is streamed through the rewriters
// and restored into path+".tmp";
// the original is then removed and the copy renamed into its place.
// Rewrites are fixed-width digest substitutions,
// so the tree's byte length is unchanged.
func rewriteFileTree(path string, rewrites map[string]string) error {
	if len(rewrites) == 0 {
		return nil
	}

	src := openNARStream(path)
	defer src.close()

	var stream io.Reader = src
	for oldDigest, newDigest := range rewrites {
		stream = detect.NewHashModuloReader(oldDigest, newDigest, stream)
	}

	tmpPath := path + ".tmp"
	if err := extractNARTo(tmpPath, stream); err != nil {
		osutil.ForceRemoveAll(tmpPath)
		return fmt.Errorf("rewrite hashes in %s: %v", path, err)
	}
	if err := osutil.ForceRemoveAll(path); err != nil {
		osutil.ForceRemoveAll(tmpPath)
		return fmt.Errorf("rewrite hashes in %s: %v", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		osutil.ForceRemoveAll(tmpPath)
		return fmt.Errorf("rewrite hashes in %s: %v", path, err)
	}
	return nil
}

// rewriteReferences maps the references found by the scanner
// through the output rewrite table,
// separating out the self-reference.
// The rewritten references name final paths
// for outputs processed earlier in topological order.
func rewriteReferences(refs []store.Path, scratchPath store.Path, outputRewrites map[string]string) store.References {
	result := store.References{}
	for _, ref := range refs {
		if ref == scratchPath {
			result.Self = true
			continue
		}
		if newDigest, ok := outputRewrites[ref.Digest()]; ok {
			rewritten, err := ref.Dir().Object(newDigest + "-" + ref.Name())
			if err == nil {
				result.Others.Add(rewritten)
				continue
			}
		}
		result.Others.Add(ref)
	}
	return result
}

// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/sets"
	"crucible.build/pkg/store"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

// storeWriteLocks serializes writes to final store paths across builds
// in this process.
var storeWriteLocks mutexMap[store.Path]

// checkSuffix is appended to the final path
// when a check build keeps its divergent output for inspection.
const checkSuffix = ".check"

// RegisterOutputs certifies the scratch outputs of a finished build:
// it stats and canonicalizes them, scans them for references,
// orders them topologically, rewrites scratch digests to final digests,
// moves each output into its final location,
// registers the outputs transactionally,
// and applies the declared output policies.
//
// Fixed-output hash mismatches and reference violations are delayed:
// the offending path is still registered so the user can inspect it,
// and the error is returned after all outputs have been processed.
func (b *Builder) RegisterOutputs(ctx context.Context) (realizations []Realization, err error) {
	inodes := make(inodeSet)
	var delayed error
	referenceable := sets.CollectSorted(b.referenceablePathsSeq())

	toRealPathChroot := func(p store.Path) string {
		if b.chrootRootDir != "" {
			return filepath.Join(b.chrootRootDir, string(p))
		}
		return b.store.RealPath(p)
	}

	var uidRange *[2]int
	if b.buildUser != nil {
		uidRange = &[2]int{b.buildUser.UID, b.buildUser.UID + max(1, b.buildUser.UIDCount) - 1}
	}

	// Pass one: stat, canonicalize, and scan every scratch output.
	type outputDisposition struct {
		alreadyValid bool
		validPath    store.Path
		refs         []store.Path
	}
	dispositions := make(map[string]*outputDisposition, len(b.drv.Outputs))
	for outputName := range b.drv.Outputs {
		scratchPath, ok := b.scratchOutputs[outputName]
		if !ok {
			return nil, buildErrorf("builder for '%s' has no scratch output for '%s'", b.drvPath, outputName)
		}
		actualPath := toRealPathChroot(scratchPath)

		initial := b.initialOutputs[outputName]
		initial.wanted = b.opts.BuildMode == BuildCheck || !(initial.knownPath != "" && initial.valid)
		if !initial.wanted {
			dispositions[outputName] = &outputDisposition{
				alreadyValid: true,
				validPath:    initial.knownPath,
			}
			continue
		}

		info, statErr := os.Lstat(actualPath)
		if statErr != nil {
			return nil, buildErrorf("builder for '%s' failed to produce output path for output '%s' at '%s'",
				b.drvPath, outputName, actualPath)
		}
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			groupOrWorldWritable := info.Mode()&os.ModeSymlink == 0 && info.Mode().Perm()&0o022 != 0
			wrongOwner := b.buildUser != nil && uidRange != nil &&
				(int(st.Uid) < uidRange[0] || int(st.Uid) > uidRange[1])
			if groupOrWorldWritable || wrongOwner {
				return nil, buildErrorf("suspicious ownership or permission on '%s' for output '%s'; rejecting this build output",
					actualPath, outputName)
			}
		}

		// Canonicalise before scanning, so the tree being rewritten
		// cannot contain a hard link to something like /etc/shadow.
		if err := canonicalizePathMetaData(actualPath, uidRange, inodes); err != nil {
			return nil, err
		}

		d := new(outputDisposition)
		if b.drvOptions.unsafeDiscardReferences[outputName] {
			log.Debugf(ctx, "Discarding references of output '%s'", outputName)
		} else {
			log.Debugf(ctx, "Scanning for references for output '%s' in temp location '%s'", outputName, actualPath)
			d.refs, err = scanForReferences(actualPath, referenceable)
			if err != nil {
				return nil, err
			}
		}
		dispositions[outputName] = d
	}

	// Pass two: topologically order the outputs
	// so each is finalized after the outputs it references.
	// Already-registered outputs are leaves.
	scratchToName := make(map[store.Path]string, len(b.scratchOutputs))
	for outputName, scratch := range b.scratchOutputs {
		scratchToName[scratch] = outputName
	}
	referencedOutputs := make(map[string][]string, len(dispositions))
	for outputName, d := range dispositions {
		var siblings []string
		if !d.alreadyValid {
			for _, ref := range d.refs {
				if sibling, ok := scratchToName[ref]; ok && sibling != outputName {
					siblings = append(siblings, sibling)
				}
			}
		}
		referencedOutputs[outputName] = siblings
	}
	sortedOutputNames, err := topoSortOutputs(string(b.drvPath), referencedOutputs)
	if err != nil {
		return nil, err
	}

	infos := make(map[string]*store.ObjectInfo)
	finish := func(outputName string, finalPath store.Path) {
		// Downstream outputs refer to this one by its scratch digest;
		// the rewrite installed here fixes them up,
		// which is why the topological order is essential.
		scratch := b.scratchOutputs[outputName]
		if scratch != finalPath {
			b.outputRewrites[scratch.Digest()] = finalPath.Digest()
		}
	}

	for _, outputName := range sortedOutputNames {
		outputType := b.drv.Outputs[outputName]
		scratchPath := b.scratchOutputs[outputName]
		actualPath := toRealPathChroot(scratchPath)
		d := dispositions[outputName]

		if d.alreadyValid {
			finish(outputName, d.validPath)
			continue
		}

		newInfo, infoErr := b.finalizeOutput(ctx, outputName, outputType, scratchPath, actualPath, d.refs, inodes, &delayed)
		if infoErr != nil {
			return nil, infoErr
		}

		finalDestPath := b.store.RealPath(newInfo.StorePath)

		// Final paths that were not known a priori must be locked
		// before they are moved into place.
		unlockOutput := func() {}
		if fixed, known := outputType.Path(b.store.Dir(), b.drvName, outputName); !known || fixed != newInfo.StorePath {
			unlock, lockErr := storeWriteLocks.lock(ctx, newInfo.StorePath)
			if lockErr != nil {
				return nil, lockErr
			}
			defer unlock()
			unlockOutput = unlock
		}

		if finalDestPath != actualPath {
			switch {
			case b.opts.BuildMode == BuildRepair:
				if err := replaceValidPath(finalDestPath, actualPath); err != nil {
					return nil, err
				}
				actualPath = finalDestPath
			case b.opts.BuildMode == BuildCheck:
				// Leave the new output in place for comparison.
			default:
				if valid, err := b.store.IsValidPath(ctx, newInfo.StorePath); err != nil {
					return nil, err
				} else if valid {
					// A content-addressed path someone else already produced.
					log.Debugf(ctx, "Output '%s' is the same object as %s (reusing)", outputName, newInfo.StorePath)
					if err := osutil.ForceRemoveAll(actualPath); err != nil {
						log.Warnf(ctx, "Cleanup failure: %v", err)
					}
				} else {
					if err := osutil.ForceRemoveAll(finalDestPath); err != nil {
						return nil, err
					}
					if err := movePath(actualPath, finalDestPath); err != nil {
						return nil, err
					}
					actualPath = finalDestPath
				}
			}
		}

		if b.opts.BuildMode == BuildCheck {
			if err := b.compareCheckBuild(ctx, outputName, newInfo, actualPath); err != nil {
				return nil, err
			}
			finish(outputName, newInfo.StorePath)
			infos[outputName] = newInfo
			continue
		}

		b.callback.markContentsGood(newInfo.StorePath)
		b.signInfo(newInfo)
		finish(outputName, newInfo.StorePath)

		// Content-addressed paths register right away,
		// so the write lock can be dropped before the next iteration.
		if !newInfo.CA.IsZero() {
			if err := b.store.RegisterValidPaths(ctx, newInfo); err != nil {
				return nil, err
			}
			unlockOutput()
		}
		infos[outputName] = newInfo
	}

	if b.opts.BuildMode == BuildCheck {
		// Fixed-output mismatches on check are a source of
		// non-determinism and must surface as errors.
		if delayed != nil {
			return nil, delayed
		}
		return b.collectRealizations(infos), nil
	}

	if err := b.checkOutputs(ctx, infos); err != nil {
		return nil, err
	}

	registerAll := make([]*store.ObjectInfo, 0, len(infos))
	for _, outputName := range sortedOutputNames {
		if info := infos[outputName]; info != nil {
			registerAll = append(registerAll, info)
		}
	}
	if len(registerAll) > 0 {
		if err := b.store.RegisterValidPaths(ctx, registerAll...); err != nil {
			return nil, err
		}
	}

	// Rethrow a fixed-output hash mismatch now that the bad path
	// is registered and can be inspected.
	if delayed != nil {
		return nil, delayed
	}

	return b.collectRealizations(infos), nil
}

// finalizeOutput computes the final metadata of one scratch output,
// rewriting its contents as dictated by its declared kind.
func (b *Builder) finalizeOutput(
	ctx context.Context,
	outputName string,
	outputType *store.DerivationOutputType,
	scratchPath store.Path,
	actualPath string,
	refs []store.Path,
	inodes inodeSet,
	delayed *error,
) (*store.ObjectInfo, error) {
	oldDigest := scratchPath.Digest()

	switch {
	case outputType.IsInputAddressed():
		finalPath, _ := outputType.Path(b.store.Dir(), b.drvName, outputName)
		// Add the final-hash rewrite preemptively:
		// the NAR hash must be over final self-references.
		if scratchPath != finalPath {
			b.outputRewrites[oldDigest] = finalPath.Digest()
		}
		if err := rewriteFileTree(actualPath, b.outputRewrites); err != nil {
			return nil, err
		}
		if err := canonicalizePathMetaData(actualPath, nil, inodes); err != nil {
			return nil, err
		}
		narHash, narSize, err := narHashTree(actualPath)
		if err != nil {
			return nil, err
		}
		info := &store.ObjectInfo{
			StorePath:  finalPath,
			NARHash:    narHash,
			NARSize:    narSize,
			References: rewriteReferences(refs, scratchPath, b.outputRewrites),
		}
		return info, nil

	case outputType.IsFixed():
		// Replace the output by a fresh copy of itself so no stale
		// open file descriptor can point at the certified content.
		if err := copyTreeFresh(actualPath); err != nil {
			return nil, err
		}
		wanted, _ := outputType.FixedCA()
		info, err := b.finalizeFloatingLike(ctx, outputName, outputType.IsRecursiveFile(), wanted.Hash().Type(), scratchPath, actualPath, refs, inodes)
		if err != nil {
			return nil, err
		}
		got := info.CA.Hash()
		if !got.Equal(wanted.Hash()) {
			b.callback.noteHashMismatch()
			*delayed = buildErrorf("hash mismatch in fixed-output derivation '%s':\n  specified: %v\n     got:    %v",
				b.drvPath, wanted.Hash(), got)
		}
		if !info.References.IsEmpty() {
			*delayed = buildErrorf("fixed-output derivations must not reference store paths: '%s' references %d distinct paths",
				b.drvPath, info.References.ToSet(info.StorePath).Len())
		}
		// On mismatch the object keeps its computed content address,
		// so the bad output is registered at its true path
		// where the user can inspect it.
		return info, nil

	case outputType.IsFloating():
		hashType, _ := outputType.HashType()
		return b.finalizeFloatingLike(ctx, outputName, outputType.IsRecursiveFile(), hashType, scratchPath, actualPath, refs, inodes)

	case outputType.IsDeferred():
		// Deferred outputs must have been resolved before the build.
		return nil, fmt.Errorf("build %s: output '%s': %w", b.drvPath, outputName, errDeferredOutput)

	default:
		return nil, fmt.Errorf("build %s: output '%s': unknown output type", b.drvPath, outputName)
	}
}

// finalizeFloatingLike computes a content-addressed output's final path
// from its built content, rewrites self-references to the final digest,
// and produces its metadata.
func (b *Builder) finalizeFloatingLike(
	ctx context.Context,
	outputName string,
	recursive bool,
	hashType nix.HashType,
	scratchPath store.Path,
	actualPath string,
	refs []store.Path,
	inodes inodeSet,
) (*store.ObjectInfo, error) {
	oldDigest := scratchPath.Digest()

	if !recursive {
		info, err := os.Lstat(actualPath)
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() || info.Mode()&0o111 != 0 {
			return nil, buildErrorf("output path '%s' should be a non-executable regular file since recursive hashing is not enabled",
				actualPath)
		}
	}

	// Apply rewrites for outputs finalized earlier in topological order.
	if err := rewriteFileTree(actualPath, b.outputRewrites); err != nil {
		return nil, err
	}

	rewrittenRefs := rewriteReferences(refs, scratchPath, b.outputRewrites)

	// Compute the content address modulo the scratch digest,
	// so it is unaffected by the rewrite of self-references below.
	var ca nix.ContentAddress
	selfDigest := ""
	if rewrittenRefs.Self {
		selfDigest = oldDigest
	}
	switch {
	case recursive && hashType == nix.SHA256:
		src := openNARStream(actualPath)
		var err error
		ca, _, err = store.SourceSHA256ContentAddress(selfDigest, src)
		src.close()
		if err != nil {
			return nil, err
		}
	case recursive:
		h := nix.NewHasher(hashType)
		src := openNARStream(actualPath)
		_, err := io.Copy(h, src)
		src.close()
		if err != nil {
			return nil, err
		}
		ca = nix.RecursiveFileContentAddress(h.SumHash())
	default:
		if rewrittenRefs.Self {
			return nil, buildErrorf("output path '%s' has a self-reference, which flat hashing cannot represent", actualPath)
		}
		f, err := os.Open(actualPath)
		if err != nil {
			return nil, err
		}
		h := nix.NewHasher(hashType)
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return nil, err
		}
		ca = nix.FlatFileContentAddress(h.SumHash())
	}

	finalPath, err := store.FixedCAOutputPath(b.store.Dir(), store.OutputPathName(b.drvName, outputName), ca, rewrittenRefs)
	if err != nil {
		return nil, err
	}
	if scratchPath != finalPath {
		// Self-references still carry the scratch digest.
		// This rewrite does not invalidate the content address:
		// it was computed modulo the self-references.
		if err := rewriteFileTree(actualPath, map[string]string{oldDigest: finalPath.Digest()}); err != nil {
			return nil, err
		}
	}
	if err := canonicalizePathMetaData(actualPath, nil, inodes); err != nil {
		return nil, err
	}

	narHash, narSize, err := narHashTree(actualPath)
	if err != nil {
		return nil, err
	}
	log.Debugf(ctx, "Output '%s' hashes to %s", outputName, finalPath)
	return &store.ObjectInfo{
		StorePath:  finalPath,
		NARHash:    narHash,
		NARSize:    narSize,
		References: rewrittenRefs,
		CA:         ca,
	}, nil
}

// compareCheckBuild compares a freshly built output
// against the version recorded in the store.
func (b *Builder) compareCheckBuild(ctx context.Context, outputName string, newInfo *store.ObjectInfo, actualPath string) error {
	valid, err := b.store.IsValidPath(ctx, newInfo.StorePath)
	if err != nil {
		return err
	}
	if !valid {
		return nil
	}
	oldInfo, err := b.store.QueryPathInfo(ctx, newInfo.StorePath)
	if err != nil {
		return err
	}
	if !newInfo.NARHash.Equal(oldInfo.NARHash) {
		b.callback.noteCheckMismatch()
		finalDestPath := b.store.RealPath(newInfo.StorePath)
		if b.opts.DiffHook != "" || b.opts.KeepFailed {
			dst := finalDestPath + checkSuffix
			osutil.ForceRemoveAll(dst)
			if err := movePath(actualPath, dst); err != nil {
				return err
			}
			if b.opts.DiffHook != "" {
				runDiffHook(ctx, b.opts.DiffHook, b.buildUser, finalDestPath, dst, b.drvPath, b.tmpDir)
			}
			return notDeterministicf("derivation '%s' may not be deterministic: output '%s' differs from '%s'",
				b.drvPath, finalDestPath, dst)
		}
		return notDeterministicf("derivation '%s' may not be deterministic: output '%s' differs",
			b.drvPath, finalDestPath)
	}

	// The rebuild verified the recorded output; it is now ultimately trusted.
	if !oldInfo.Ultimate {
		oldInfo.Ultimate = true
		b.signInfo(oldInfo)
		if err := b.store.RegisterValidPaths(ctx, oldInfo); err != nil {
			return err
		}
	}
	return nil
}

// signInfo marks the output as locally built and signs it
// when a signing key is configured.
func (b *Builder) signInfo(info *store.ObjectInfo) {
	info.Deriver = b.drvPath
	info.Ultimate = true
	if b.opts.KeyName == "" || len(b.opts.Key) == 0 {
		return
	}
	sig, err := store.SignObjectInfo(info, b.opts.KeyName, b.opts.Key)
	if err != nil {
		// Signing failure must not reject a locally trusted output.
		return
	}
	for _, existing := range info.Sigs {
		if existing == sig {
			return
		}
	}
	info.Sigs = append(info.Sigs, sig)
}

func (b *Builder) collectRealizations(infos map[string]*store.ObjectInfo) []Realization {
	names := make([]string, 0, len(infos))
	for outputName := range infos {
		names = append(names, outputName)
	}
	sort.Strings(names)
	realizations := make([]Realization, 0, len(infos))
	for _, outputName := range names {
		info := infos[outputName]
		r := Realization{
			DrvPath:    b.drvPath,
			OutputName: outputName,
			Path:       info.StorePath,
		}
		if len(info.Sigs) > 0 {
			r.Signature = info.Sigs[0]
		}
		realizations = append(realizations, r)
	}
	return realizations
}

// narHashTree computes the SHA-256 NAR hash and size of the tree at path.
func narHashTree(path string) (nix.Hash, int64, error) {
	h := nix.NewHasher(nix.SHA256)
	wc := new(writeCounter)
	if err := dumpNAR(path, h, wc); err != nil {
		return nix.Hash{}, 0, err
	}
	return h.SumHash(), int64(*wc), nil
}

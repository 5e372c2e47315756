// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package localstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/store"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix/nar"
)

// ReadDerivation reads and parses the derivation file at drvPath.
func (s *Store) ReadDerivation(ctx context.Context, drvPath store.Path) (*store.Derivation, error) {
	drvName, isDrv := drvPath.DerivationName()
	if !isDrv {
		return nil, fmt.Errorf("read derivation %s: not a %s file", drvPath, store.DerivationExt)
	}
	if drvPath.Dir() != s.dir {
		return nil, fmt.Errorf("read derivation %s: outside %s", drvPath, s.dir)
	}
	data, err := os.ReadFile(s.RealPath(drvPath))
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %w", drvPath, err)
	}
	drv, err := store.ParseDerivation(s.dir, drvName, data)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", drvPath, err)
	}
	return drv, nil
}

// ReadDerivationClosure reads the given derivations
// and the transitive closure of derivations they depend on.
func (s *Store) ReadDerivationClosure(ctx context.Context, drvPaths []store.Path) (map[store.Path]*store.Derivation, error) {
	stack := append([]store.Path(nil), drvPaths...)
	result := make(map[store.Path]*store.Derivation)
	for len(stack) > 0 {
		curr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if result[curr] != nil {
			continue
		}
		drv, err := s.ReadDerivation(ctx, curr)
		if err != nil {
			return nil, err
		}
		result[curr] = drv
		for inputDrvPath := range drv.InputDerivations {
			stack = append(stack, inputDrvPath)
		}
	}

	// Every named input output must exist in the closure.
	for drvPath, drv := range result {
		for ref := range drv.InputDerivationOutputs() {
			if _, ok := result[ref.DrvPath].Outputs[ref.OutputName]; !ok {
				return result, fmt.Errorf("derivation %s depends on non-existent output %v", drvPath, ref)
			}
		}
	}
	return result, nil
}

// ImportNAR extracts a NAR serialization into the store
// and registers the object described by info.
// If the object already exists on disk, the import is skipped.
func (s *Store) ImportNAR(ctx context.Context, r io.Reader, info *store.ObjectInfo) error {
	if info.StorePath.Dir() != s.dir {
		return fmt.Errorf("import %s: outside %s", info.StorePath, s.dir)
	}
	realPath := s.RealPath(info.StorePath)
	if _, err := os.Lstat(realPath); err == nil {
		log.Debugf(ctx, "Import of %s skipped: exists in store", info.StorePath)
		return s.RegisterValidPaths(ctx, info)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("import %s: %v", info.StorePath, err)
	}

	if err := ExtractNAR(realPath, r); err != nil {
		if rmErr := os.RemoveAll(realPath); rmErr != nil {
			log.Errorf(ctx, "Failed to clean up partial import of %s: %v", info.StorePath, rmErr)
		}
		return fmt.Errorf("import %s: %v", info.StorePath, err)
	}
	if err := s.RegisterValidPaths(ctx, info); err != nil {
		if rmErr := os.RemoveAll(realPath); rmErr != nil {
			log.Errorf(ctx, "Failed to clean up partial import of %s: %v", info.StorePath, rmErr)
		}
		return err
	}

	osutil.MakePublicReadOnly(realPath, func(err error) error {
		log.Warnf(ctx, "%v", err)
		return nil
	})
	return nil
}

// ExtractNAR extracts a NAR file to the local filesystem at the given path.
func ExtractNAR(dst string, r io.Reader) error {
	nr := nar.NewReader(r)
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		p := filepath.Join(dst, filepath.FromSlash(hdr.Path))
		switch typ := hdr.Mode.Type(); typ {
		case 0:
			perm := os.FileMode(0o644)
			if hdr.Mode&0o111 != 0 {
				perm = 0o755
			}
			f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, nr)
			err2 := f.Close()
			if err != nil {
				return err
			}
			if err2 != nil {
				return err2
			}
		case fs.ModeDir:
			if err := os.Mkdir(p, 0o755); err != nil {
				return err
			}
		case fs.ModeSymlink:
			if err := os.Symlink(hdr.LinkTarget, p); err != nil {
				return err
			}
		default:
			return fmt.Errorf("extract nar: unhandled type %v", typ)
		}
	}
}

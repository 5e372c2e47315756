// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"crucible.build/pkg/internal/builder"
	"crucible.build/pkg/internal/localstore"
	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/store"
	"github.com/spf13/cobra"
	"zombiezen.com/go/batchio"
	"zombiezen.com/go/log"
)

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [flags] DRV_PATH [...]",
		Short:                 "realize the outputs of store derivations",
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagsInUseLine: true,
	}
	check := c.Flags().Bool("check", false, "rebuild and compare against existing outputs")
	repair := c.Flags().Bool("repair", false, "replace existing outputs in place")
	keepFailed := c.Flags().BoolP("keep-failed", "K", false, "keep temporary directories of failed builds")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if *check && *repair {
			return fmt.Errorf("cannot use --check and --repair together")
		}
		mode := builder.BuildNormal
		if *check {
			mode = builder.BuildCheck
		}
		if *repair {
			mode = builder.BuildRepair
		}
		return runBuild(cmd.Context(), g, mode, *keepFailed, args)
	}
	return c
}

func runBuild(ctx context.Context, g *globalConfig, mode builder.BuildMode, keepFailed bool, args []string) error {
	w, err := newBuildWorker(ctx, g, mode, keepFailed)
	if err != nil {
		return err
	}
	defer w.close()

	for _, arg := range args {
		drvPath, err := store.ParsePath(arg)
		if err != nil {
			return err
		}
		if !drvPath.IsDerivation() {
			return fmt.Errorf("build %s: not a derivation", drvPath)
		}
		realizations, err := w.realize(ctx, drvPath)
		if err != nil {
			return err
		}
		for _, r := range realizations {
			fmt.Println(r.Path)
		}
	}
	return nil
}

// buildWorker sequences the builds of a derivation closure.
// The builder itself describes a single build;
// dependency ordering and realization bookkeeping happen here.
type buildWorker struct {
	g     *globalConfig
	store *localstore.Store
	users *builder.UserSet
	mode  builder.BuildMode

	keepFailed bool

	derivations map[store.Path]*store.Derivation
	realized    map[store.OutputReference]store.Path
	built       map[store.Path]bool
}

func newBuildWorker(ctx context.Context, g *globalConfig, mode builder.BuildMode, keepFailed bool) (*buildWorker, error) {
	w := &buildWorker{
		g:          g,
		mode:       mode,
		keepFailed: keepFailed,
		realized:   make(map[store.OutputReference]store.Path),
		built:      make(map[store.Path]bool),
	}
	w.store = localstore.Open(g.storeDir, g.dbPath, &localstore.Options{
		RealDir: g.realStoreDir,
	})

	if g.file.BuildUsersGroup != "" {
		if !osutil.IsRoot() {
			return nil, fmt.Errorf("build users (group %q) require running as root", g.file.BuildUsersGroup)
		}
		var err error
		w.users, err = builder.LookupBuildUsersGroup(ctx, g.file.BuildUsersGroup)
		if err != nil {
			w.store.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *buildWorker) close() {
	w.store.Close()
}

func (w *buildWorker) sandboxMode() builder.SandboxMode {
	switch w.g.file.Sandbox {
	case "", "enabled":
		return builder.SandboxEnabled
	case "relaxed":
		return builder.SandboxRelaxed
	case "disabled":
		return builder.SandboxDisabled
	default:
		log.Warnf(context.Background(), "Unknown sandbox mode %q; sandboxing", w.g.file.Sandbox)
		return builder.SandboxEnabled
	}
}

// realize builds drvPath after realizing all of its input derivations.
func (w *buildWorker) realize(ctx context.Context, drvPath store.Path) ([]builder.Realization, error) {
	if w.derivations == nil {
		var err error
		w.derivations, err = w.store.ReadDerivationClosure(ctx, []store.Path{drvPath})
		if err != nil {
			return nil, err
		}
	} else if w.derivations[drvPath] == nil {
		closure, err := w.store.ReadDerivationClosure(ctx, []store.Path{drvPath})
		if err != nil {
			return nil, err
		}
		for p, drv := range closure {
			w.derivations[p] = drv
		}
	}
	return w.realizeLocked(ctx, drvPath)
}

func (w *buildWorker) realizeLocked(ctx context.Context, drvPath store.Path) ([]builder.Realization, error) {
	drv := w.derivations[drvPath]
	if drv == nil {
		return nil, fmt.Errorf("realize %s: unknown derivation", drvPath)
	}

	// Inputs first.
	for ref := range drv.InputDerivationOutputs() {
		if _, done := w.realized[ref]; done {
			continue
		}
		if _, err := w.realizeLocked(ctx, ref.DrvPath); err != nil {
			return nil, err
		}
		if _, done := w.realized[ref]; !done {
			return nil, fmt.Errorf("realize %s: input %v produced no realization", drvPath, ref)
		}
	}
	if w.built[drvPath] {
		return w.collect(drvPath, drv), nil
	}

	inputRealizations := make(map[store.OutputReference]store.Path)
	for ref := range drv.InputDerivationOutputs() {
		inputRealizations[ref] = w.realized[ref]
	}

	sandboxPaths := make(map[string]builder.SandboxSource, len(w.g.file.SandboxPaths))
	for target, source := range w.g.file.SandboxPaths {
		sandboxPaths[target] = builder.SandboxSource{Source: source}
	}
	keyName, key, err := w.g.signingKey()
	if err != nil {
		return nil, err
	}

	log.Infof(ctx, "Building %s...", drvPath)
	buildLog := batchio.NewWriter(os.Stderr, 8192, 250*time.Millisecond)
	defer buildLog.Flush()
	for {
		b, err := builder.New(w.store, drvPath, drv, &builder.Options{
			SandboxMode:       w.sandboxMode(),
			SandboxFallback:   w.g.file.SandboxFallback,
			BuildMode:         w.mode,
			Users:             w.users,
			BuildDir:          w.g.file.BuildDir,
			SandboxPaths:      sandboxPaths,
			CgroupRoot:        w.g.file.CgroupRoot,
			StateDir:          defaultStateDir(),
			CoresPerBuild:     w.g.file.CoresPerBuild,
			KeepFailed:        w.keepFailed || w.g.file.KeepFailed,
			InputRealizations: inputRealizations,
			KeyName:           keyName,
			Key:               key,
			PreBuildHook:      w.g.file.PreBuildHook,
			DiffHook:          w.g.file.DiffHook,
			LogWriter:         buildLog,
		})
		if err != nil {
			return nil, err
		}
		result, err := b.Run(ctx)
		if err != nil {
			return nil, err
		}
		if result == nil {
			// No build user free; try again shortly.
			log.Debugf(ctx, "Waiting for a free build user for %s...", drvPath)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if result.Status != builder.Built {
			return nil, fmt.Errorf("build %s: %v: %w", drvPath, result.Status, result.Error)
		}
		for _, r := range result.Realizations {
			w.realized[store.OutputReference{DrvPath: drvPath, OutputName: r.OutputName}] = r.Path
		}
		w.built[drvPath] = true
		log.Infof(ctx, "Built %s in %v", drvPath, result.StopTime.Sub(result.StartTime).Round(time.Millisecond))
		return result.Realizations, nil
	}
}

func (w *buildWorker) collect(drvPath store.Path, drv *store.Derivation) []builder.Realization {
	var result []builder.Realization
	for outputName := range drv.Outputs {
		ref := store.OutputReference{DrvPath: drvPath, OutputName: outputName}
		if p, ok := w.realized[ref]; ok {
			result = append(result, builder.Realization{
				DrvPath:    drvPath,
				OutputName: outputName,
				Path:       p,
			})
		}
	}
	return result
}

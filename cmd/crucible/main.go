// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

// crucible is a hermetic derivation builder
// for Nix-compatible content-addressed stores.
package main

import (
	"context"
	"os"
	"os/signal"

	"crucible.build/pkg/internal/builder"
	"crucible.build/pkg/store"
	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	// The sandbox helper entry points must run before any of the
	// normal process setup: they execute in freshly created
	// namespaces (or with dropped credentials) and never return.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case builder.SandboxInitCommandName:
			builder.SandboxInitMain()
		case builder.SandboxMountCommandName:
			builder.SandboxMountMain(os.Args[2:])
		case builder.SandboxKillCommandName:
			builder.SandboxKillMain()
		}
	}

	rootCommand := &cobra.Command{
		Use:           "crucible",
		Short:         "hermetic derivation builder",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := new(globalConfig)
	var err error
	g.storeDir, err = store.DirectoryFromEnvironment()
	if err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().StringVar(&g.configPath, "config", defaultConfigPath(), "`path` to configuration file")
	rootCommand.PersistentFlags().Var((*storeDirectoryFlag)(&g.storeDir), "store", "path to store `dir`ectory")
	rootCommand.PersistentFlags().StringVar(&g.realStoreDir, "real-store", "", "`dir`ectory where store objects physically reside")
	rootCommand.PersistentFlags().StringVar(&g.dbPath, "db", "", "`path` to store database")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return g.load()
	}

	rootCommand.AddCommand(
		newBuildCommand(g),
		newServeCommand(g),
		newInitDBCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err = rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func initLogging(showDebug bool) {
	minLogLevel := log.Info
	if showDebug {
		minLogLevel = log.Debug
	}
	log.SetDefault(&log.LevelFilter{
		Min:    minLogLevel,
		Output: log.New(os.Stderr, "crucible: ", log.StdFlags, nil),
	})
}

// storeDirectoryFlag adapts [store.Directory] to the pflag.Value interface.
type storeDirectoryFlag store.Directory

func (f *storeDirectoryFlag) String() string {
	return string(*f)
}

func (f *storeDirectoryFlag) Set(s string) error {
	dir, err := store.CleanDirectory(s)
	if err != nil {
		return err
	}
	*f = storeDirectoryFlag(dir)
	return nil
}

func (f *storeDirectoryFlag) Type() string {
	return "string"
}

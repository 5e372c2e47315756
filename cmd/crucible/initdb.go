// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"crucible.build/pkg/internal/localstore"
	"crucible.build/pkg/store"
	"github.com/spf13/cobra"
)

func newInitDBCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "init-db",
		Short:                 "create or migrate the store database",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(filepath.Dir(g.dbPath), 0o755); err != nil {
			return err
		}
		s := localstore.Open(g.storeDir, g.dbPath, &localstore.Options{
			RealDir: g.realStoreDir,
		})
		defer s.Close()
		// Any query forces the pool to open a connection and migrate.
		probe := store.Path(g.storeDir.Join("00000000000000000000000000000000-x"))
		if _, err := s.IsValidPath(cmd.Context(), probe); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "store database ready at %s\n", g.dbPath)
		return nil
	}
	return c
}

// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

// Package localstore persists store object metadata
// in a SQLite database alongside the store directory.
// It implements the narrow store contract
// that the derivation builder consumes.
package localstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"crucible.build/pkg/store"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

//go:embed sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrNotFound is returned when a store object does not exist in the database.
var ErrNotFound = errors.New("store object not found")

// Options is the set of optional parameters to [Open].
type Options struct {
	// RealDir is where the store objects are located physically on disk.
	// If empty, defaults to the store directory.
	RealDir string
}

// Store is a handle to the store database.
// It is safe to use from multiple goroutines.
type Store struct {
	dir     store.Directory
	realDir string
	pool    *sqlitemigration.Pool
}

// Open opens the store database at dbPath,
// creating and migrating it as needed.
// Callers are responsible for calling [Store.Close] on the returned store.
func Open(dir store.Directory, dbPath string, opts *Options) *Store {
	if opts == nil {
		opts = new(Options)
	}
	s := &Store{
		dir:     dir,
		realDir: opts.RealDir,
		pool: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnError: func(err error) {
				log.Errorf(context.Background(), "Store database migration: %v", err)
			},
		}),
	}
	if s.realDir == "" {
		s.realDir = string(dir)
	}
	return s
}

func loadSchema() sqlitemigration.Schema {
	schema, err := fs.ReadFile(sqlFiles(), "schema.sql")
	if err != nil {
		panic(err)
	}
	return sqlitemigration.Schema{
		Migrations: []string{string(schema)},
	}
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	return sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil)
}

// Close releases the database resources.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Dir returns the store's logical directory.
func (s *Store) Dir() store.Directory {
	return s.dir
}

// RealDir returns the directory where store objects physically reside.
func (s *Store) RealDir() string {
	return s.realDir
}

// RealPath maps a store path to its physical filesystem location.
func (s *Store) RealPath(path store.Path) string {
	return filepath.Join(s.realDir, path.Base())
}

// IsValidPath reports whether the store object is registered in the database.
func (s *Store) IsValidPath(ctx context.Context, path store.Path) (bool, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)
	return objectExists(conn, path)
}

func objectExists(conn *sqlite.Conn, path store.Path) (bool, error) {
	var exists bool
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "object_exists.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = stmt.GetBool("exists")
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("check %s: %v", path, err)
	}
	return exists, nil
}

// QueryPathInfo returns the metadata recorded for a store object.
// It returns an error that unwraps to [ErrNotFound]
// if the object is not registered.
func (s *Store) QueryPathInfo(ctx context.Context, path store.Path) (*store.ObjectInfo, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return pathInfo(conn, path)
}

func pathInfo(conn *sqlite.Conn, path store.Path) (*store.ObjectInfo, error) {
	var info *store.ObjectInfo
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "path_info.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			info = &store.ObjectInfo{
				StorePath:        path,
				NARSize:          stmt.GetInt64("nar_size"),
				Ultimate:         stmt.GetBool("ultimate"),
				RegistrationTime: time.UnixMilli(stmt.GetInt64("registration_time")).UTC(),
			}
			if err := info.NARHash.UnmarshalText([]byte(stmt.GetText("nar_hash"))); err != nil {
				return fmt.Errorf("nar_hash: %v", err)
			}
			if caText := stmt.GetText("ca"); caText != "" {
				if err := info.CA.UnmarshalText([]byte(caText)); err != nil {
					return fmt.Errorf("ca: %v", err)
				}
			}
			if deriver := stmt.GetText("deriver"); deriver != "" {
				info.Deriver = store.Path(deriver)
			}
			if sigs := stmt.GetText("sigs"); sigs != "" {
				info.Sigs = strings.Fields(sigs)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query path info for %s: %v", path, err)
	}
	if info == nil {
		return nil, fmt.Errorf("query path info for %s: %w", path, ErrNotFound)
	}

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "references.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ref := store.Path(stmt.GetText("path"))
			if ref == path {
				info.References.Self = true
			} else {
				info.References.Others.Add(ref)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query path info for %s: references: %v", path, err)
	}
	return info, nil
}

// RegisterValidPaths records the given store objects and their references
// in a single transaction.
// Every reference of every object must either be registered already
// or be one of the objects in the call.
func (s *Store) RegisterValidPaths(ctx context.Context, infos ...*store.ObjectInfo) (err error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("register store objects: %v", err)
	}
	defer endFn(&err)

	now := time.Now().UnixMilli()
	for _, info := range infos {
		if info.NARHash.IsZero() || info.NARSize <= 0 {
			return fmt.Errorf("register %s: missing NAR metadata", info.StorePath)
		}
		narHashText, err := info.NARHash.MarshalText()
		if err != nil {
			return fmt.Errorf("register %s: %v", info.StorePath, err)
		}
		args := map[string]any{
			":path":              string(info.StorePath),
			":nar_hash":          string(narHashText),
			":nar_size":          info.NARSize,
			":ca":                nil,
			":deriver":           nil,
			":ultimate":          info.Ultimate,
			":sigs":              nil,
			":registration_time": now,
		}
		if !info.CA.IsZero() {
			caText, err := info.CA.MarshalText()
			if err != nil {
				return fmt.Errorf("register %s: %v", info.StorePath, err)
			}
			args[":ca"] = string(caText)
		}
		if info.Deriver != "" {
			args[":deriver"] = string(info.Deriver)
		}
		if len(info.Sigs) > 0 {
			args[":sigs"] = strings.Join(info.Sigs, " ")
		}
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_object.sql", &sqlitex.ExecOptions{
			Named: args,
		})
		if err != nil {
			return fmt.Errorf("register %s: %v", info.StorePath, err)
		}
	}

	// References are inserted after all objects exist
	// so objects registered together may reference each other.
	for _, info := range infos {
		for ref := range info.References.ToSet(info.StorePath).Values() {
			err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_reference.sql", &sqlitex.ExecOptions{
				Named: map[string]any{
					":referrer":  string(info.StorePath),
					":reference": string(ref),
				},
			})
			if err != nil {
				return fmt.Errorf("register %s: reference %s: %v", info.StorePath, ref, err)
			}
			if n := conn.Changes(); n == 0 {
				if exists, err := objectExists(conn, ref); err != nil {
					return fmt.Errorf("register %s: reference %s: %v", info.StorePath, ref, err)
				} else if !exists {
					return fmt.Errorf("register %s: reference %s is not a valid store path", info.StorePath, ref)
				}
			}
		}
	}
	return nil
}

// ComputeFSClosure calls yield for every store object
// in the transitive closure of the store object at the given path,
// including the object itself.
// Iteration stops early if yield returns false.
func (s *Store) ComputeFSClosure(ctx context.Context, path store.Path, yield func(store.Path) bool) error {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	stop := errors.New("stop iteration")
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "closure.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if !yield(store.Path(stmt.GetText("path"))) {
				return stop
			}
			return nil
		},
	})
	if err != nil && !errors.Is(err, stop) {
		return fmt.Errorf("compute closure of %s: %v", path, err)
	}
	return nil
}

// NARHashOf returns the recorded NAR hash and size for a store object.
func (s *Store) NARHashOf(ctx context.Context, path store.Path) (nix.Hash, int64, error) {
	info, err := s.QueryPathInfo(ctx, path)
	if err != nil {
		return nix.Hash{}, 0, err
	}
	return info.NARHash, info.NARSize, nil
}

// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package main

import (
	"crypto/ed25519"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"crucible.build/pkg/store"
	"github.com/tailscale/hujson"
)

// globalConfig is the merged command-line and file configuration.
type globalConfig struct {
	configPath   string
	storeDir     store.Directory
	realStoreDir string
	dbPath       string

	file configFile
}

// configFile is the on-disk configuration,
// parsed as JWCC (JSON with commas and comments).
type configFile struct {
	RealStoreDir    string `json:"realStoreDir"`
	DBPath          string `json:"dbPath"`
	BuildDir        string `json:"buildDir"`
	BuildUsersGroup string `json:"buildUsersGroup"`
	// Sandbox is "enabled", "relaxed", or "disabled".
	Sandbox         string            `json:"sandbox"`
	SandboxFallback bool              `json:"sandboxFallback"`
	SandboxPaths    map[string]string `json:"sandboxPaths"`
	CgroupRoot      string            `json:"cgroupRoot"`
	CoresPerBuild   int               `json:"coresPerBuild"`
	KeepFailed      bool              `json:"keepFailed"`
	PreBuildHook    string            `json:"preBuildHook"`
	DiffHook        string            `json:"diffHook"`
	KeyName         string            `json:"keyName"`
	KeyFile         string            `json:"keyFile"`
	ServeSocket     string            `json:"serveSocket"`
}

// load reads the configuration file if present
// and resolves defaults for anything still unset.
func (g *globalConfig) load() error {
	if g.configPath != "" {
		data, err := os.ReadFile(g.configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults apply.
		case err != nil:
			return err
		default:
			standardized, err := hujson.Standardize(data)
			if err != nil {
				return fmt.Errorf("parse %s: %v", g.configPath, err)
			}
			if err := json.Unmarshal(standardized, &g.file); err != nil {
				return fmt.Errorf("parse %s: %v", g.configPath, err)
			}
		}
	}

	if g.realStoreDir == "" {
		g.realStoreDir = g.file.RealStoreDir
	}
	if g.realStoreDir == "" {
		g.realStoreDir = string(g.storeDir)
	}
	if g.dbPath == "" {
		g.dbPath = g.file.DBPath
	}
	if g.dbPath == "" {
		g.dbPath = filepath.Join(defaultStateDir(), "db.sqlite")
	}
	if g.file.ServeSocket == "" {
		g.file.ServeSocket = filepath.Join(defaultStateDir(), "daemon.sock")
	}
	return nil
}

// signingKey loads the Ed25519 secret key named by the configuration,
// or returns ("", nil, nil) if signing is not configured.
func (g *globalConfig) signingKey() (string, ed25519.PrivateKey, error) {
	if g.file.KeyFile == "" {
		return "", nil, nil
	}
	if g.file.KeyName == "" {
		return "", nil, fmt.Errorf("keyFile configured without keyName")
	}
	data, err := os.ReadFile(g.file.KeyFile)
	if err != nil {
		return "", nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || len(block.Bytes) != ed25519.PrivateKeySize {
		return "", nil, fmt.Errorf("parse %s: not an Ed25519 private key", g.file.KeyFile)
	}
	return g.file.KeyName, ed25519.PrivateKey(block.Bytes), nil
}

// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"crucible.build/pkg/store"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nixbase32"
)

// homeDir is a non-existing path that HOME points at,
// so tools that consult it see a missing settings directory
// instead of falling back to /etc/passwd.
const homeDir = "/homeless-shelter"

// initEnv constructs the environment passed to the builder program.
// inputRewrites have already been applied to the derivation's own env.
func (b *Builder) initEnv() error {
	env := make(map[string]string)

	// Most shells initialise PATH to some default when it is unset,
	// which we don't want.
	env["PATH"] = "/path-not-set"
	env["HOME"] = homeDir
	env["NIX_STORE"] = string(b.store.Dir())
	env["NIX_BUILD_CORES"] = strconv.Itoa(b.coresPerBuild)

	// Pass ordinary bindings directly, or via a file when requested.
	if b.drvOptions.structuredAttrs == nil {
		for k, v := range b.expandedDrv.Env {
			if isOptionVar(k) {
				continue
			}
			if !b.drvOptions.passAsFile.Has(k) {
				env[k] = v
				continue
			}
			h := nix.NewHasher(nix.SHA256)
			h.WriteString(k)
			fn := ".attr-" + nixbase32.EncodeToString(h.Sum(nil))
			if err := os.WriteFile(filepath.Join(b.tmpDir, fn), []byte(v), 0o666); err != nil {
				return fmt.Errorf("init env: %v", err)
			}
			if err := b.chownToBuilder(filepath.Join(b.tmpDir, fn)); err != nil {
				return fmt.Errorf("init env: %v", err)
			}
			env[k+"Path"] = b.tmpDirInSandbox + "/" + fn
		}
	}

	env["NIX_BUILD_TOP"] = b.tmpDirInSandbox
	env["TMPDIR"] = b.tmpDirInSandbox
	env["TEMPDIR"] = b.tmpDirInSandbox
	env["TMP"] = b.tmpDirInSandbox
	env["TEMP"] = b.tmpDirInSandbox

	// dietlibc cannot figure out the cwd in a chroot
	// because the mount point's inode doesn't appear in "..".
	env["PWD"] = b.tmpDirInSandbox

	if b.derivationKind.isFixed() {
		// Tell the builder the output hash is already known,
		// so fetchers can skip their own checking.
		env["NIX_OUTPUT_CHECKED"] = "1"
	}

	// Only fixed-output derivations may read impure host variables
	// (e.g. proxy configuration): their output hash is declared,
	// so the impurity cannot leak into the result.
	if !b.derivationKind.isSandboxed() {
		for _, name := range b.drvOptions.impureEnvVars {
			env[name] = os.Getenv(name)
		}
	}

	// Structured log messages piggyback on stderr.
	env["NIX_LOG_FD"] = "2"
	env["TERM"] = "xterm-256color"

	b.env = env
	return nil
}

// isOptionVar reports whether the environment variable
// is a builder convention that should not be passed through verbatim.
func isOptionVar(k string) bool {
	switch k {
	case noChrootVar, sandboxProfileVar, impureHostDepsVar, localNetworkingVar:
		return true
	}
	return false
}

// writeStructuredAttrs materializes the __json document
// as .attrs.json and its shell projection .attrs.sh
// in the build's temporary directory.
func (b *Builder) writeStructuredAttrs() error {
	if b.drvOptions.structuredAttrs == nil {
		return nil
	}

	attrs := make(map[string]any, len(b.drvOptions.structuredAttrs)+1)
	for k, v := range b.drvOptions.structuredAttrs {
		attrs[k] = v
	}
	outputs := make(map[string]any, len(b.scratchOutputs))
	for outputName, scratchPath := range b.scratchOutputs {
		outputs[outputName] = string(scratchPath)
	}
	attrs["outputs"] = outputs

	jsonData, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("write structured attrs: %v", err)
	}
	jsonData = []byte(b.inputRewriter.Replace(string(jsonData)))
	if err := os.WriteFile(filepath.Join(b.tmpDir, ".attrs.json"), jsonData, 0o666); err != nil {
		return fmt.Errorf("write structured attrs: %v", err)
	}
	if err := b.chownToBuilder(filepath.Join(b.tmpDir, ".attrs.json")); err != nil {
		return fmt.Errorf("write structured attrs: %v", err)
	}

	shell := b.inputRewriter.Replace(structuredAttrsShell(attrs))
	if err := os.WriteFile(filepath.Join(b.tmpDir, ".attrs.sh"), []byte(shell), 0o666); err != nil {
		return fmt.Errorf("write structured attrs: %v", err)
	}
	if err := b.chownToBuilder(filepath.Join(b.tmpDir, ".attrs.sh")); err != nil {
		return fmt.Errorf("write structured attrs: %v", err)
	}

	b.env["NIX_ATTRS_JSON_FILE"] = b.tmpDirInSandbox + "/.attrs.json"
	b.env["NIX_ATTRS_SH_FILE"] = b.tmpDirInSandbox + "/.attrs.sh"
	return nil
}

// structuredAttrsShell projects a structured attribute set
// onto shell variable declarations.
// Attributes that have no shell representation are skipped.
func structuredAttrsShell(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb := new(strings.Builder)
	for _, k := range keys {
		if !isValidShellName(k) {
			continue
		}
		switch v := attrs[k].(type) {
		case string:
			fmt.Fprintf(sb, "declare %s=%s\n", k, shellQuote(v))
		case bool:
			fmt.Fprintf(sb, "declare %s=%s\n", k, map[bool]string{true: "1", false: ""}[v])
		case float64:
			fmt.Fprintf(sb, "declare %s=%s\n", k, shellQuote(strconv.FormatFloat(v, 'f', -1, 64)))
		case []any:
			elems := make([]string, 0, len(v))
			ok := true
			for _, elem := range v {
				s, isString := elem.(string)
				if !isString {
					ok = false
					break
				}
				elems = append(elems, shellQuote(s))
			}
			if ok {
				fmt.Fprintf(sb, "declare -a %s=(%s)\n", k, strings.Join(elems, " "))
			}
		case map[string]any:
			entries := make([]string, 0, len(v))
			entryKeys := make([]string, 0, len(v))
			for ek := range v {
				entryKeys = append(entryKeys, ek)
			}
			sort.Strings(entryKeys)
			ok := true
			for _, ek := range entryKeys {
				s, isString := v[ek].(string)
				if !isString {
					ok = false
					break
				}
				entries = append(entries, fmt.Sprintf("[%s]=%s", shellQuote(ek), shellQuote(s)))
			}
			if ok {
				fmt.Fprintf(sb, "declare -A %s=(%s)\n", k, strings.Join(entries, " "))
			}
		}
	}
	return sb.String()
}

func isValidShellName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		ok := c == '_' ||
			'a' <= c && c <= 'z' ||
			'A' <= c && c <= 'Z' ||
			i > 0 && '0' <= c && c <= '9'
		if !ok {
			return false
		}
	}
	return true
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// chownToBuilder gives a staged file to the build user
// so the builder process can read it after dropping privileges.
func (b *Builder) chownToBuilder(path string) error {
	if b.buildUser == nil {
		return nil
	}
	if err := os.Chown(path, b.buildUser.UID, b.buildUser.GID); err != nil {
		return fmt.Errorf("chown %s to builder: %v", path, err)
	}
	return nil
}

// sortedEnv flattens the environment map into KEY=VALUE form
// in deterministic order.
func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]string, 0, len(env))
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}
	return result
}

// derivationKind caches the classification of the derivation being built.
type derivationKind int8

const (
	inputAddressedKind derivationKind = 1 + iota
	fixedOutputKind
	floatingKind
	deferredKind
)

func classifyDerivation(drv *store.Derivation) derivationKind {
	if out := drv.Outputs[store.DefaultDerivationOutputName]; out.IsFixed() && len(drv.Outputs) == 1 {
		return fixedOutputKind
	}
	kind := inputAddressedKind
	for _, out := range drv.Outputs {
		switch {
		case out.IsDeferred():
			return deferredKind
		case out.IsFloating():
			kind = floatingKind
		}
	}
	return kind
}

func (k derivationKind) isFixed() bool { return k == fixedOutputKind }

// isSandboxed reports whether the derivation must run
// without access to impurities.
// Only fixed-output derivations are unsandboxed:
// their declared hash pins the result.
func (k derivationKind) isSandboxed() bool { return k != fixedOutputKind }

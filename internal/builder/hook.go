// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"crucible.build/pkg/store"
	"zombiezen.com/go/log"
)

// runPreBuildHook runs a user-supplied program with the derivation path
// (and the chroot directory, when sandboxed) as arguments
// and parses extra sandbox paths from its standard output.
//
// The output is a line-oriented state machine:
// "extra-sandbox-paths" (or the older "extra-chroot-dirs")
// switches into a mode where each "target=source" line
// (or a bare "target" line) adds a chroot entry,
// and a blank line switches back.
func runPreBuildHook(ctx context.Context, hook string, drvPath store.Path, chrootRoot string) (map[string]SandboxSource, error) {
	args := []string{string(drvPath)}
	if chrootRoot != "" {
		args = append(args, chrootRoot)
	}
	c := exec.CommandContext(ctx, hook, args...)
	out, err := c.Output()
	if err != nil {
		return nil, fmt.Errorf("pre-build hook %s: %w", hook, err)
	}
	return parsePreBuildHookOutput(string(out))
}

type preBuildHookState int

const (
	hookStateBegin preBuildHookState = iota
	hookStateExtraChrootDirs
)

func parsePreBuildHookOutput(out string) (map[string]SandboxSource, error) {
	extra := make(map[string]SandboxSource)
	state := hookStateBegin
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch state {
		case hookStateBegin:
			switch line {
			case "":
				// Ignore blank lines between directives.
			case "extra-sandbox-paths", "extra-chroot-dirs":
				state = hookStateExtraChrootDirs
			default:
				return nil, fmt.Errorf("unknown pre-build hook command '%s'", line)
			}
		case hookStateExtraChrootDirs:
			if line == "" {
				state = hookStateBegin
				continue
			}
			target, source, hasSource := strings.Cut(line, "=")
			if !hasSource {
				source = target
			}
			extra[target] = SandboxSource{Source: source}
		}
	}
	return extra, scanner.Err()
}

// runDiffHook invokes the diff hook on a check divergence.
// A failing diff hook is logged but never aborts the check.
func runDiffHook(ctx context.Context, hook string, user *BuildUser, pathA, pathB string, drvPath store.Path, tmpDir string) {
	c := exec.CommandContext(ctx, hook, pathA, pathB, string(drvPath), tmpDir)
	c.SysProcAttr = sysProcAttrForUser(user)
	out, err := c.CombinedOutput()
	if len(out) > 0 {
		log.Infof(ctx, "Diff hook output:\n%s", out)
	}
	if err != nil {
		log.Errorf(ctx, "Diff hook %s failed: %v", hook, err)
	}
}

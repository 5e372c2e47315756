// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"os/user"
	"strings"

	"zombiezen.com/go/log"
)

// LookupGroup looks up a group by name,
// including all known members of the group.
// If the group cannot be found,
// the returned error is of type [user.UnknownGroupError].
func LookupGroup(ctx context.Context, name string) (g *user.Group, userNames []string, err error) {
	groupData, err := readGroupDatabase(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	for _, line := range strings.Split(string(groupData), "\n") {
		lineName, _, _ := strings.Cut(line, ":")
		if lineName == name {
			g, userNames = parseGroupLine(line)
			return g, userNames, nil
		}
	}
	return nil, nil, user.UnknownGroupError(name)
}

// readGroupDatabase reads the group database,
// preferring getent (which consults non-file backends such as LDAP)
// and falling back to /etc/group.
func readGroupDatabase(ctx context.Context, name string) ([]byte, error) {
	if getentPath, err := exec.LookPath("getent"); err != nil {
		log.Debugf(ctx, "Could not find getent: %v", err)
	} else {
		c := exec.CommandContext(ctx, getentPath, "--", "group", name)
		data, err := c.Output()
		if ee := (*exec.ExitError)(nil); errors.As(err, &ee) && ee.ExitCode() == 2 {
			return nil, user.UnknownGroupError(name)
		}
		return data, err
	}
	return os.ReadFile("/etc/group")
}

func parseGroupLine(line string) (*user.Group, []string) {
	fields := strings.SplitN(line, ":", 4)
	g := &user.Group{Name: fields[0]}
	if len(fields) < 3 {
		return g, nil
	}
	g.Gid = fields[2]
	if len(fields) < 4 || fields[3] == "" {
		return g, nil
	}
	return g, strings.Split(strings.TrimSpace(fields[3]), ",")
}

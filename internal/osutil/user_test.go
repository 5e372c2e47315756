// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseGroupLine(t *testing.T) {
	tests := []struct {
		line      string
		wantName  string
		wantGid   string
		wantUsers []string
	}{
		{
			line:     "root:x:0:",
			wantName: "root",
			wantGid:  "0",
		},
		{
			line:      "crucible-builders:!:30000:crucible-builder-0,crucible-builder-1",
			wantName:  "crucible-builders",
			wantGid:   "30000",
			wantUsers: []string{"crucible-builder-0", "crucible-builder-1"},
		},
	}
	for _, test := range tests {
		g, users := parseGroupLine(test.line)
		if g.Name != test.wantName || g.Gid != test.wantGid {
			t.Errorf("parseGroupLine(%q) group = %q gid %q; want %q gid %q", test.line, g.Name, g.Gid, test.wantName, test.wantGid)
		}
		if diff := cmp.Diff(test.wantUsers, users); diff != "" {
			t.Errorf("parseGroupLine(%q) users (-want +got):\n%s", test.line, diff)
		}
	}
}

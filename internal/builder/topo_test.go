// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"slices"
	"strings"
	"testing"
)

func TestTopoSortOutputs(t *testing.T) {
	tests := []struct {
		name       string
		references map[string][]string
		want       []string
		wantCycle  bool
	}{
		{
			name:       "Single",
			references: map[string][]string{"out": nil},
			want:       []string{"out"},
		},
		{
			name: "Chain",
			references: map[string][]string{
				"out": {"dev"},
				"dev": {"doc"},
				"doc": nil,
			},
			want: []string{"doc", "dev", "out"},
		},
		{
			name: "Diamond",
			references: map[string][]string{
				"out": {"lib", "dev"},
				"dev": {"doc"},
				"lib": {"doc"},
				"doc": nil,
			},
			want: []string{"doc", "dev", "lib", "out"},
		},
		{
			name: "Cycle",
			references: map[string][]string{
				"a": {"b"},
				"b": {"a"},
			},
			wantCycle: true,
		},
		{
			name: "SelfCycle",
			references: map[string][]string{
				"out": {"out"},
			},
			wantCycle: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := topoSortOutputs("/nix/store/ffffffffffffffffffffffffffffffff-x.drv", test.references)
			if test.wantCycle {
				if err == nil {
					t.Fatalf("topoSortOutputs(%v) = %v; want cycle error", test.references, got)
				}
				if !strings.Contains(err.Error(), "cycle detected") {
					t.Errorf("error %q does not mention cycle", err)
				}
				if !IsBuildError(err) {
					t.Errorf("cycle error is not a BuildError")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(got, test.want) {
				t.Errorf("topoSortOutputs(%v) = %v; want %v", test.references, got, test.want)
			}

			// The sort must be stable across runs.
			for range 10 {
				again, err := topoSortOutputs("/nix/store/ffffffffffffffffffffffffffffffff-x.drv", test.references)
				if err != nil {
					t.Fatal(err)
				}
				if !slices.Equal(again, got) {
					t.Fatalf("topoSortOutputs not deterministic: %v then %v", got, again)
				}
			}
		})
	}
}

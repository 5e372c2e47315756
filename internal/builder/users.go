// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"fmt"
	"os/user"
	"slices"
	"strconv"
	"sync"

	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/sets"
)

// DefaultBuildUsersGroup is the conventional name of the Unix group
// for the users that execute builders on behalf of the daemon.
const DefaultBuildUsersGroup = "crucible-builders"

// BuildUser is a lease over a Unix user (or user range)
// that a builder process runs as.
type BuildUser struct {
	// UID is the first user ID of the lease.
	UID int
	// GID is the user's primary group ID.
	GID int
	// UIDCount is the number of consecutive user IDs leased.
	// It is 1 for ordinary builds
	// and 65536 when the derivation requires a UID range.
	UIDCount int
	// SupplementaryGroups are the additional group IDs of the user.
	SupplementaryGroups []int
}

func (u *BuildUser) String() string {
	if u == nil {
		return "<current user>"
	}
	if u.UIDCount > 1 {
		return fmt.Sprintf("%d-%d:%d", u.UID, u.UID+u.UIDCount-1, u.GID)
	}
	return fmt.Sprintf("%d:%d", u.UID, u.GID)
}

// UserSet acts as a semaphore for build users.
// Methods on UserSet are safe to call concurrently from multiple goroutines.
type UserSet struct {
	users       []BuildUser
	releaseFull chan struct{}

	mu    sync.Mutex
	inUse sets.Bit
}

// NewUserSet returns a [UserSet] over the given users.
// It returns an error if two entries share a user ID.
func NewUserSet(users []BuildUser) (*UserSet, error) {
	for i, u1 := range users {
		for _, u2 := range users[i+1:] {
			if u1.UID == u2.UID {
				return nil, fmt.Errorf("uid %d used multiple times", u1.UID)
			}
		}
	}
	return &UserSet{
		users:       slices.Clone(users),
		releaseFull: make(chan struct{}, 1),
	}, nil
}

// LookupBuildUsersGroup resolves the members of the given Unix group
// into a set of build users.
func LookupBuildUsersGroup(ctx context.Context, groupName string) (*UserSet, error) {
	g, memberNames, err := osutil.LookupGroup(ctx, groupName)
	if err != nil {
		return nil, fmt.Errorf("look up build users group %q: %w", groupName, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return nil, fmt.Errorf("look up build users group %q: gid: %v", groupName, err)
	}
	var users []BuildUser
	for _, name := range memberNames {
		u, err := user.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("look up build users group %q: %v", groupName, err)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return nil, fmt.Errorf("look up build users group %q: %s: uid: %v", groupName, name, err)
		}
		users = append(users, BuildUser{UID: uid, GID: gid, UIDCount: 1})
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("look up build users group %q: no members", groupName)
	}
	return NewUserSet(users)
}

// Acquire leases a build user,
// blocking until one is free or ctx.Done is closed.
// If the set is empty, Acquire returns (nil, nil):
// builds then run with the current process's privileges.
// TryAcquire is the non-blocking variant.
func (users *UserSet) Acquire(ctx context.Context) (*BuildUser, error) {
	if users == nil || len(users.users) == 0 {
		return nil, nil
	}
	for {
		if u := users.TryAcquire(); u != nil {
			return u, nil
		}
		select {
		case <-users.releaseFull:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire leases a free build user
// or returns nil if none is available
// (including when the set is empty).
func (users *UserSet) TryAcquire() *BuildUser {
	if users == nil || len(users.users) == 0 {
		return nil
	}
	users.mu.Lock()
	defer users.mu.Unlock()
	if users.inUse.Len() >= len(users.users) {
		return nil
	}
	for i := range users.users {
		if !users.inUse.Has(uint(i)) {
			users.inUse.Add(uint(i))
			u := users.users[i]
			return &u
		}
	}
	return nil
}

// Release returns a leased build user to the set.
// The caller must have killed every process running under the user first.
func (users *UserSet) Release(u *BuildUser) {
	if u == nil {
		if users != nil && len(users.users) > 0 {
			panic("UserSet.Release(nil)")
		}
		return
	}

	i := slices.IndexFunc(users.users, func(candidate BuildUser) bool {
		return candidate.UID == u.UID
	})
	if i < 0 {
		panic("UserSet.Release on unknown user")
	}

	users.mu.Lock()
	shouldNotify := users.inUse.Len() == len(users.users)
	users.inUse.Delete(uint(i))
	users.mu.Unlock()

	if shouldNotify {
		select {
		case users.releaseFull <- struct{}{}:
		default:
			// No one was blocking. Let the next acquirer re-check.
		}
	}
}

// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"testing"
	"time"

	"crucible.build/pkg/internal/testcontext"
)

func TestUserSet(t *testing.T) {
	users, err := NewUserSet([]BuildUser{
		{UID: 30001, GID: 30000, UIDCount: 1},
		{UID: 30002, GID: 30000, UIDCount: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	u1 := users.TryAcquire()
	u2 := users.TryAcquire()
	if u1 == nil || u2 == nil {
		t.Fatal("TryAcquire returned nil with free users")
	}
	if u1.UID == u2.UID {
		t.Errorf("both leases have uid %d", u1.UID)
	}
	if users.TryAcquire() != nil {
		t.Error("TryAcquire succeeded with all users leased")
	}

	users.Release(u1)
	u3 := users.TryAcquire()
	if u3 == nil || u3.UID != u1.UID {
		t.Errorf("expected released uid %d to be reused, got %v", u1.UID, u3)
	}
}

func TestUserSetAcquireBlocks(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	users, err := NewUserSet([]BuildUser{{UID: 30001, GID: 30000, UIDCount: 1}})
	if err != nil {
		t.Fatal(err)
	}
	u := users.TryAcquire()
	if u == nil {
		t.Fatal("TryAcquire returned nil")
	}

	acquired := make(chan *BuildUser)
	go func() {
		u, err := users.Acquire(ctx)
		if err != nil {
			t.Error(err)
		}
		acquired <- u
	}()

	select {
	case got := <-acquired:
		t.Fatalf("Acquire returned %v before release", got)
	case <-time.After(20 * time.Millisecond):
	}

	users.Release(u)
	select {
	case got := <-acquired:
		if got == nil || got.UID != u.UID {
			t.Errorf("Acquire after release = %v; want uid %d", got, u.UID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not wake after release")
	}
}

func TestUserSetEmpty(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	users, err := NewUserSet(nil)
	if err != nil {
		t.Fatal(err)
	}
	u, err := users.Acquire(ctx)
	if err != nil || u != nil {
		t.Errorf("Acquire on empty set = %v, %v; want nil, nil", u, err)
	}
	users.Release(nil)
}

func TestNewUserSetRejectsDuplicateUIDs(t *testing.T) {
	_, err := NewUserSet([]BuildUser{
		{UID: 30001, GID: 30000},
		{UID: 30001, GID: 30001},
	})
	if err == nil {
		t.Error("NewUserSet accepted duplicate uids")
	}
}

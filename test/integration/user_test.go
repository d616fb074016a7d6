package integration

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/camcops/camcops/internal/domain/group"
	"github.com/camcops/camcops/internal/domain/user"
	"github.com/camcops/camcops/internal/platform/auth"
)

func TestUserMembershipsAndVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	research := env.createGroup(t, "research", "", "")
	clinic := &group.Group{Name: "clinic", CanSeeOtherGroups: []int64{research.ID}}
	if err := env.groups.CreateGroup(ctx, clinic); err != nil {
		t.Fatalf("create clinic: %v", err)
	}

	p := env.createUser(t, "alice", user.GroupMembership{
		GroupID:    clinic.ID,
		Membership: auth.Membership{MayUpload: true, MayUseWebviewer: true},
	})

	if !p.MayUploadToGroup(clinic.ID) {
		t.Error("expected upload rights in clinic")
	}
	if p.MayUploadToGroup(research.ID) {
		t.Error("unexpected upload rights in research")
	}
	if !slices.Equal(p.GroupsMaySee, []int64{research.ID, clinic.ID}) {
		t.Errorf("GroupsMaySee = %v, want clinic and research", p.GroupsMaySee)
	}
	if !p.MaySeeGroup(research.ID) {
		t.Error("clinic members should see research records")
	}

	// A group administrator may only grant rights in their own group.
	admin := env.createUser(t, "bob", user.GroupMembership{GroupID: research.ID, Membership: auth.Membership{GroupAdmin: true}})
	err := env.users.SetMemberships(ctx, admin, p.UserID, []user.GroupMembership{{GroupID: clinic.ID}})
	if !errors.Is(err, user.ErrForbidden) {
		t.Errorf("SetMemberships outside own group: got %v, want ErrForbidden", err)
	}
	if err := env.users.SetMemberships(ctx, admin, p.UserID, []user.GroupMembership{{GroupID: research.ID}}); err != nil {
		t.Fatalf("SetMemberships: %v", err)
	}
	u, err := env.users.GetUser(ctx, p.UserID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(u.Memberships) != 2 {
		t.Errorf("memberships = %+v, want clinic kept and research added", u.Memberships)
	}
}

func TestAuthenticateLockout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "carol")

	if _, err := env.users.Authenticate(ctx, "carol", "correct horse battery"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := env.users.Authenticate(ctx, "nobody", "correct horse battery"); !errors.Is(err, user.ErrBadCredentials) {
		t.Errorf("unknown user: got %v, want ErrBadCredentials", err)
	}

	for i := 1; i <= 2; i++ {
		if _, err := env.users.Authenticate(ctx, "carol", "wrong password"); !errors.Is(err, user.ErrBadCredentials) {
			t.Fatalf("failure %d: got %v, want ErrBadCredentials", i, err)
		}
	}
	if _, err := env.users.Authenticate(ctx, "carol", "wrong password"); !errors.Is(err, user.ErrLockedOut) {
		t.Fatalf("third failure: got %v, want ErrLockedOut", err)
	}
	if _, err := env.users.Authenticate(ctx, "carol", "correct horse battery"); !errors.Is(err, user.ErrLockedOut) {
		t.Errorf("locked account: got %v, want ErrLockedOut", err)
	}
}

func TestMakeSuperuser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, created, err := env.users.MakeSuperuser(ctx, "admin", "correct horse battery")
	if err != nil {
		t.Fatalf("MakeSuperuser: %v", err)
	}
	if !created || !u.Superuser {
		t.Errorf("created = %v, superuser = %v, want both true", created, u.Superuser)
	}

	_, created, err = env.users.MakeSuperuser(ctx, "admin", "")
	if err != nil {
		t.Fatalf("MakeSuperuser again: %v", err)
	}
	if created {
		t.Error("second call should promote the existing user, not create one")
	}

	p, err := env.users.LoadPrincipal(ctx, u.ID)
	if err != nil {
		t.Fatalf("LoadPrincipal: %v", err)
	}
	if !p.Superuser || !p.MayAdministerGroup(12345) {
		t.Error("superuser principal should administer every group")
	}
}

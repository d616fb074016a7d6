package auth

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPrincipal_DerivedGroups(t *testing.T) {
	p := &Principal{
		UserID: 1,
		Memberships: map[int64]Membership{
			3: {GroupAdmin: true, MayDumpData: true},
			1: {MayDumpData: true, MayAddNotes: true},
			2: {MayUseWebviewer: true},
		},
		GroupsMaySee: []int64{1, 2, 3, 4},
	}

	if diff := cmp.Diff([]int64{1, 3}, p.IDsOfGroupsMayDump()); diff != "" {
		t.Errorf("IDsOfGroupsMayDump mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{3}, p.IDsOfGroupsAdministered()); diff != "" {
		t.Errorf("IDsOfGroupsAdministered mismatch (-want +got):\n%s", diff)
	}
	if !p.MayAdministerGroup(3) || p.MayAdministerGroup(1) {
		t.Error("MayAdministerGroup wrong")
	}
	if !p.AuthorizedToEraseTasks(3) || p.AuthorizedToEraseTasks(2) {
		t.Error("AuthorizedToEraseTasks wrong")
	}
	if !p.MaySeeGroup(4) || p.MaySeeGroup(5) {
		t.Error("MaySeeGroup wrong")
	}
	if !p.MayAddNotes(1) || p.MayAddNotes(2) {
		t.Error("MayAddNotes wrong")
	}
	if !p.MayUseWebviewer() {
		t.Error("expected webviewer access")
	}
}

func TestPrincipal_Superuser(t *testing.T) {
	p := &Principal{Superuser: true}
	if !p.MayAdministerGroup(99) || !p.MaySeeGroup(99) || !p.MayUseWebviewer() || !p.IsGroupAdminAnywhere() {
		t.Error("superuser should pass every check")
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if PrincipalFromContext(ctx) != nil || UserIDFromContext(ctx) != "" {
		t.Error("expected empty context")
	}
	ctx = WithPrincipal(ctx, &Principal{UserID: 12, Username: "bob"})
	if UserIDFromContext(ctx) != "12" || UsernameFromContext(ctx) != "bob" {
		t.Error("expected principal from context")
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	if err != nil {
		t.Fatal(err)
	}
	if !ComparePassword(hash, "correct horse battery") {
		t.Error("expected password to match")
	}
	if ComparePassword(hash, "wrong") {
		t.Error("expected mismatch")
	}
	if _, err := HashPassword(""); err == nil {
		t.Error("expected error for empty password")
	}
	if err := ValidatePasswordStrength("short"); err == nil {
		t.Error("expected strength error")
	}
}

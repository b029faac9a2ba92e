package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"guild-console/internal/auth"
	"guild-console/internal/grant"
	"guild-console/internal/guild"
	"guild-console/internal/model"
	"guild-console/internal/store"
)

func principal(userID string, role auth.Role) auth.Principal {
	return auth.Principal{UserID: userID, Role: role, ExpiresAt: time.Now().Add(time.Hour)}
}

func newFixture(t *testing.T) (*guild.MemorySource, *grant.Store) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	src := guild.NewMemorySource()
	src.AddGuild(guild.Guild{ID: "1001", OwnerID: "O", Name: "Test"})
	src.SetMember("1001", guild.Member{UserID: "O"})
	src.SetMember("1001", guild.Member{UserID: "M", RoleIDs: []string{"member-role"}})
	src.SetMember("1001", guild.Member{UserID: "B", RoleIDs: []string{"mod-role"}})
	src.SetMember("1001", guild.Member{UserID: "N", Permissions: guild.PermManageGuild})
	src.SetMember("1001", guild.Member{UserID: "X", Permissions: guild.PermAdministrator | 0x400})
	return src, grant.NewStore(db)
}

func TestPrecedenceOwnerGrantMember(t *testing.T) {
	src, grants := newFixture(t)
	r := NewResolver(src, grants, nil)
	ctx := context.Background()

	if err := grants.GrantUser(ctx, "1001", "U", "O", ""); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		user          string
		requireManage bool
		authorized    bool
		justification Justification
	}{
		{"O", true, true, JustOwner},
		{"U", true, true, JustExplicitGrant},
		{"U", false, true, JustExplicitGrant},
		{"M", true, false, JustInsufficientPrivilege},
		{"M", false, true, JustMember},
		{"N", true, true, JustNativePermission},
		{"X", true, true, JustNativePermission},
		{"Z", false, false, JustNotAMember},
	}
	for _, tc := range cases {
		v, err := r.Authorize(ctx, principal(tc.user, auth.RoleViewer), "1001", tc.requireManage)
		if err != nil {
			t.Fatalf("%s: %v", tc.user, err)
		}
		if v.Authorized != tc.authorized || v.Justification != tc.justification {
			t.Errorf("%s manage=%v: got %+v, want authorized=%v %s",
				tc.user, tc.requireManage, v, tc.authorized, tc.justification)
		}
	}
}

func TestRoleGrantRevokeTakesEffectImmediately(t *testing.T) {
	src, grants := newFixture(t)
	r := NewResolver(src, grants, nil)
	ctx := context.Background()
	b := principal("B", auth.RoleViewer)

	v, _ := r.Authorize(ctx, b, "1001", true)
	if v.Authorized {
		t.Fatalf("B should not be authorized before the grant: %+v", v)
	}

	if err := grants.GrantRole(ctx, "1001", "mod-role", "O"); err != nil {
		t.Fatal(err)
	}
	v, err := r.Authorize(ctx, b, "1001", true)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Authorized || v.Justification != JustRoleGrant {
		t.Fatalf("got %+v, want role_grant", v)
	}

	if err := grants.RevokeRole(ctx, "1001", "mod-role"); err != nil {
		t.Fatal(err)
	}
	v, _ = r.Authorize(ctx, b, "1001", true)
	if v.Authorized {
		t.Fatalf("revoked role grant must deauthorize: %+v", v)
	}
}

func TestOperatorRequiresConfiguredID(t *testing.T) {
	src, grants := newFixture(t)
	r := NewResolver(src, grants, []string{"root-1"})
	ctx := context.Background()

	v, err := r.Authorize(ctx, principal("root-1", auth.RoleOperator), "does-not-exist", true)
	if err != nil || !v.Authorized || v.Justification != JustOperator {
		t.Fatalf("configured operator: %+v, %v", v, err)
	}

	v, err = r.Authorize(ctx, principal("intruder", auth.RoleOperator), "1001", true)
	if err != nil {
		t.Fatal(err)
	}
	if v.Authorized {
		t.Fatalf("operator role without a configured id must not bypass: %+v", v)
	}
}

func TestUnknownGuildAndSourceFailure(t *testing.T) {
	src, grants := newFixture(t)
	r := NewResolver(src, grants, nil)
	ctx := context.Background()

	v, err := r.Authorize(ctx, principal("O", auth.RoleAdmin), "missing", false)
	if err != nil || v.Authorized || v.Justification != JustNotFound {
		t.Fatalf("missing guild: %+v, %v", v, err)
	}

	src.SetDown(true)
	v, err = r.Authorize(ctx, principal("O", auth.RoleAdmin), "1001", false)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if v.Authorized {
		t.Fatal("a failed check must never authorize")
	}
}

func TestExplicitGrantIgnoresMembership(t *testing.T) {
	src, grants := newFixture(t)
	r := NewResolver(src, grants, nil)
	ctx := context.Background()

	if err := grants.GrantUser(ctx, "1001", "outsider", "O", ""); err != nil {
		t.Fatal(err)
	}
	v, err := r.Authorize(ctx, principal("outsider", auth.RoleViewer), "1001", true)
	if err != nil || !v.Authorized || v.Justification != JustExplicitGrant {
		t.Fatalf("got %+v, %v", v, err)
	}
	if v.OwnerLevel() {
		t.Fatal("explicit grant is not owner level")
	}
}

func TestRedeemedCodeLevelLimitsAccess(t *testing.T) {
	src, grants := newFixture(t)
	r := NewResolver(src, grants, nil)
	ctx := context.Background()

	viewer, err := grants.GenerateCode(ctx, grant.CodeRequest{
		GuildID: "1001", CreatedBy: "O", MaxUses: 5, TTL: time.Hour, PermissionLevel: model.PermissionLevelViewer,
	})
	if err != nil {
		t.Fatal(err)
	}
	manager, err := grants.GenerateCode(ctx, grant.CodeRequest{
		GuildID: "1001", CreatedBy: "O", MaxUses: 5, TTL: time.Hour, PermissionLevel: model.PermissionLevelManager,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, redeem := range []struct{ code, user string }{
		{viewer.Code, "outsider"}, {viewer.Code, "M"}, {manager.Code, "helper"},
	} {
		if _, err := grants.RedeemCode(ctx, redeem.code, redeem.user); err != nil {
			t.Fatalf("redeem for %s: %v", redeem.user, err)
		}
	}

	cases := []struct {
		user          string
		requireManage bool
		authorized    bool
		justification Justification
	}{
		{"outsider", false, true, JustExplicitGrant},
		{"outsider", true, false, JustNotAMember},
		{"M", false, true, JustExplicitGrant},
		{"M", true, false, JustInsufficientPrivilege},
		{"helper", true, true, JustExplicitGrant},
	}
	for _, tc := range cases {
		v, err := r.Authorize(ctx, principal(tc.user, auth.RoleViewer), "1001", tc.requireManage)
		if err != nil {
			t.Fatalf("%s: %v", tc.user, err)
		}
		if v.Authorized != tc.authorized || v.Justification != tc.justification {
			t.Errorf("%s manage=%v: got %+v, want authorized=%v %s",
				tc.user, tc.requireManage, v, tc.authorized, tc.justification)
		}
	}
}

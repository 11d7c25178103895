package rbac

import (
	"testing"

	"kando-api/domain"
)

func TestCanMutate(t *testing.T) {
	own := &domain.Task{ID: 7, OwnerID: "u1"}
	other := &domain.Task{ID: 8, OwnerID: "u2"}
	user := domain.Actor{ID: "u1", Role: domain.RoleUser}
	admin := domain.Actor{ID: "a1", Role: domain.RoleAdmin}

	cases := []struct {
		name     string
		actor    domain.Actor
		action   Action
		resource *domain.Task
		allow    bool
	}{
		{name: "user create task", actor: user, action: ActionCreateTask, allow: true},
		{name: "user edit own task", actor: user, action: ActionEditTask, resource: own, allow: true},
		{name: "user move own task", actor: user, action: ActionMoveTask, resource: own, allow: true},
		{name: "user delete own task", actor: user, action: ActionDeleteTask, resource: own, allow: true},
		{name: "user edit other task", actor: user, action: ActionEditTask, resource: other, allow: false},
		{name: "user delete other task", actor: user, action: ActionDeleteTask, resource: other, allow: false},
		{name: "user edit without resource", actor: user, action: ActionEditTask, allow: false},
		{name: "user create column", actor: user, action: ActionCreateColumn, allow: false},
		{name: "user reorder column", actor: user, action: ActionReorderColumn, allow: false},
		{name: "user board title", actor: user, action: ActionEditBoardTitle, allow: false},
		{name: "admin delete other task", actor: admin, action: ActionDeleteTask, resource: other, allow: true},
		{name: "admin delete column", actor: admin, action: ActionDeleteColumn, allow: true},
		{name: "admin board title", actor: admin, action: ActionEditBoardTitle, allow: true},
		{name: "anonymous admin", actor: domain.Actor{Role: domain.RoleAdmin}, action: ActionCreateTask, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanMutate(tc.actor, tc.action, tc.resource); got != tc.allow {
				t.Fatalf("CanMutate(%v, %q) = %v, want %v", tc.actor, tc.action, got, tc.allow)
			}
		})
	}
}

func TestGuestIsDeniedEverything(t *testing.T) {
	guest := domain.Actor{ID: "g1", Role: domain.RoleGuest}
	resources := []*domain.Task{nil, {ID: 1, OwnerID: "g1"}, {ID: 2, OwnerID: "someone"}}
	for _, action := range Actions {
		for _, res := range resources {
			if CanMutate(guest, action, res) {
				t.Fatalf("guest allowed %q on %#v", action, res)
			}
		}
	}
}

func TestUserNeverManagesColumns(t *testing.T) {
	user := domain.Actor{ID: "u1", Role: domain.RoleUser}
	owned := &domain.Task{OwnerID: "u1"}
	for _, action := range []Action{ActionCreateColumn, ActionRenameColumn, ActionReorderColumn, ActionDeleteColumn} {
		if CanMutate(user, action, nil) || CanMutate(user, action, owned) {
			t.Fatalf("user allowed column action %q", action)
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]domain.Role{
		"admin":     domain.RoleAdmin,
		"user":      domain.RoleUser,
		"guest":     domain.RoleGuest,
		"":          domain.RoleGuest,
		"superuser": domain.RoleGuest,
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

// Package rbac decides which board mutations an actor may perform.
package rbac

import "kando-api/domain"

type Action string

const (
	ActionCreateTask     Action = "create-task"
	ActionEditTask       Action = "edit-task"
	ActionMoveTask       Action = "move-task"
	ActionDeleteTask     Action = "delete-task"
	ActionCreateColumn   Action = "create-column"
	ActionRenameColumn   Action = "rename-column"
	ActionReorderColumn  Action = "reorder-column"
	ActionDeleteColumn   Action = "delete-column"
	ActionEditBoardTitle Action = "edit-board-title"
)

// Actions lists every mutation kind.
var Actions = []Action{
	ActionCreateTask,
	ActionEditTask,
	ActionMoveTask,
	ActionDeleteTask,
	ActionCreateColumn,
	ActionRenameColumn,
	ActionReorderColumn,
	ActionDeleteColumn,
	ActionEditBoardTitle,
}

// CanMutate reports whether actor may perform action on resource. A nil
// resource skips ownership checks, so only the role rule applies.
func CanMutate(actor domain.Actor, action Action, resource *domain.Task) bool {
	if actor.Anonymous() {
		return false
	}
	switch actor.Role {
	case domain.RoleAdmin:
		return true
	case domain.RoleUser:
		switch action {
		case ActionCreateTask:
			return true
		case ActionEditTask, ActionMoveTask, ActionDeleteTask:
			return resource != nil && resource.OwnerID == actor.ID
		default:
			return false
		}
	default:
		return false
	}
}

// Normalize maps a raw role claim to a known role, falling back to guest.
func Normalize(role string) domain.Role {
	switch domain.Role(role) {
	case domain.RoleGuest, domain.RoleUser, domain.RoleAdmin:
		return domain.Role(role)
	default:
		return domain.RoleGuest
	}
}
